// Package realtime keeps one reconnecting push channel per watched job and
// merges the server's snapshots into the registry.
//
// Every channel walks Connecting → Open → Reconnecting → Closed. A handshake
// failure or a mid-stream close schedules a single retry after a fixed
// backoff; there is never more than one channel or one pending timer per
// job. Transport errors only show up as the Reconnecting state. A terminal
// snapshot or a definitive not-found closes the channel for good.
//
// Sync's methods must be called on the event loop. Dials and reads run on
// their own goroutines and post back to the loop tagged with the channel's
// generation, so completions from a torn-down channel are discarded.
package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
	"github.com/3leaps/studyflow/pkg/results"
)

// DefaultBackoff is the fixed delay before a reconnect.
const DefaultBackoff = 3 * time.Second

// NotFoundMessage is recorded on a job the server does not know.
const NotFoundMessage = "Job not found on server"

// ResultsTrigger is signalled when a job succeeds without embedded results.
type ResultsTrigger interface {
	Trigger(id jobregistry.JobID) bool
}

// StateListener observes channel state changes. It runs on the loop.
type StateListener func(id jobregistry.JobID, state State)

// Sync manages push channels.
type Sync struct {
	loop    *eventloop.Loop
	reg     *jobregistry.Registry
	dial    Dialer
	results ResultsTrigger
	faults  FaultPolicy
	backoff time.Duration

	log     *zap.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned.
	channels  map[jobregistry.JobID]*channel
	active    jobregistry.JobID
	listeners map[int]StateListener
	nextLID   int
	closed    bool
}

type channel struct {
	id     jobregistry.JobID
	gen    uint64
	state  State
	conn   Conn
	cancel context.CancelFunc
	timer  eventloop.Timer
}

// Option configures a Sync.
type Option func(*Sync)

// WithResults sets where succeeded jobs without results are signalled.
func WithResults(t ResultsTrigger) Option {
	return func(s *Sync) { s.results = t }
}

// WithFaults sets the disconnect injection policy. Defaults to NoFaults.
func WithFaults(f FaultPolicy) Option {
	return func(s *Sync) {
		if f != nil {
			s.faults = f
		}
	}
}

// WithBackoff sets the reconnect delay.
func WithBackoff(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sync) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records channel activity in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Sync) { s.metrics = m }
}

// New creates a Sync. Call Close to tear every channel down.
func New(loop *eventloop.Loop, reg *jobregistry.Registry, dial Dialer, opts ...Option) *Sync {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sync{
		loop:      loop,
		reg:       reg,
		dial:      dial,
		faults:    NoFaults{},
		backoff:   DefaultBackoff,
		log:       zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[jobregistry.JobID]*channel),
		listeners: make(map[int]StateListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Watch opens a channel for id unless one is already live. Placeholder ids
// and jobs that are already terminal are not watched; a terminal Succeeded
// job without results is handed to the results trigger instead.
func (s *Sync) Watch(id jobregistry.JobID) {
	if s.closed || !id.IsAssigned() {
		return
	}
	if ch, ok := s.channels[id]; ok && ch.state != StateClosed {
		return
	}
	if j, ok := s.reg.Get(id); ok && j.Status.Terminal() {
		s.settled(j)
		return
	}

	ch := &channel{id: id}
	s.channels[id] = ch
	s.connect(ch)
}

// Switch makes id the actively viewed job, tearing down the previously
// viewed job's channel and pending retry.
func (s *Sync) Switch(id jobregistry.JobID) {
	if s.active != id && !s.active.IsZero() {
		s.Stop(s.active)
	}
	s.active = id
	s.Watch(id)
}

// Active returns the actively viewed job.
func (s *Sync) Active() jobregistry.JobID { return s.active }

// Stop tears down id's channel and forgets it.
func (s *Sync) Stop(id jobregistry.JobID) {
	ch, ok := s.channels[id]
	if !ok {
		return
	}
	s.shut(ch)
	delete(s.channels, id)
	s.notify(id, StateIdle)
	if s.active == id {
		s.active = jobregistry.JobID{}
	}
}

// Close tears down every channel. Later Watch calls are ignored.
func (s *Sync) Close() {
	if s.closed {
		return
	}
	for id := range s.channels {
		s.Stop(id)
	}
	s.closed = true
	s.cancel()
}

// State returns id's channel state.
func (s *Sync) State(id jobregistry.JobID) State {
	if ch, ok := s.channels[id]; ok {
		return ch.state
	}
	return StateIdle
}

// Reconnecting reports whether any channel is waiting to reconnect.
func (s *Sync) Reconnecting() bool {
	for _, ch := range s.channels {
		if ch.state == StateReconnecting {
			return true
		}
	}
	return false
}

// PendingTimers counts scheduled reconnects.
func (s *Sync) PendingTimers() int {
	n := 0
	for _, ch := range s.channels {
		if ch.timer != nil {
			n++
		}
	}
	return n
}

// OnStateChange registers fn and returns a function that removes it.
func (s *Sync) OnStateChange(fn StateListener) func() {
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	return func() { delete(s.listeners, id) }
}

func (s *Sync) setState(ch *channel, state State) {
	if ch.state == state {
		return
	}
	ch.state = state
	s.notify(ch.id, state)
}

func (s *Sync) notify(id jobregistry.JobID, state State) {
	for _, fn := range s.listeners {
		fn(id, state)
	}
}

func (s *Sync) current(ch *channel, gen uint64) bool {
	return !s.closed && s.channels[ch.id] == ch && ch.gen == gen && ch.state != StateClosed
}

func (s *Sync) connect(ch *channel) {
	ch.gen++
	gen := ch.gen
	ctx, cancel := context.WithCancel(s.ctx)
	ch.cancel = cancel
	s.setState(ch, StateConnecting)

	id := ch.id.String()
	go func() {
		conn, err := s.dial.Dial(ctx, id)
		if !s.loop.Post(func() { s.onDial(ch, gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Sync) onDial(ch *channel, gen uint64, conn Conn, err error) {
	if !s.current(ch, gen) {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	switch {
	case err == nil:
	case joberr.IsNotFound(err):
		s.notFound(ch)
		return
	case joberr.IsCancelled(err):
		return
	default:
		s.log.Debug("Channel handshake failed", zap.String("job_id", ch.id.String()), zap.Error(err))
		s.reconnect(ch)
		return
	}

	ch.conn = conn
	s.metrics.ChannelOpened()
	s.setState(ch, StateOpen)
	s.log.Debug("Channel open", zap.String("job_id", ch.id.String()))

	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				s.loop.Post(func() { s.onClosed(ch, gen, err) })
				return
			}
			if !s.loop.Post(func() { s.onMessage(ch, gen, data) }) {
				_ = conn.Close()
				return
			}
		}
	}()
}

func (s *Sync) onMessage(ch *channel, gen uint64, data []byte) {
	if !s.current(ch, gen) {
		return
	}

	env, err := DecodeEnvelope(ch.id.String(), data)
	if err != nil {
		s.metrics.RecordSnapshot(metrics.SnapshotDropped)
		s.log.Warn("Dropping invalid channel message", zap.String("job_id", ch.id.String()), zap.Error(err))
		return
	}

	switch env.Type {
	case TypeJobNotFound:
		s.notFound(ch)
		return
	case TypeJobUpdate:
		if env.Job != nil {
			s.apply(ch, env)
		}
	}
	if ch.state == StateClosed {
		return
	}

	if s.faults.Disconnect(ch.id.String()) {
		s.log.Debug("Injected channel disconnect", zap.String("job_id", ch.id.String()))
		s.reconnect(ch)
	}
}

func (s *Sync) apply(ch *channel, env *Envelope) {
	if _, ok := s.reg.Get(ch.id); !ok {
		// Snapshots never resurrect a record removed by a reset.
		s.metrics.RecordSnapshot(metrics.SnapshotDropped)
		s.shut(ch)
		return
	}

	p := results.PatchFromDocument(*env.Job)
	p.ID = ch.id
	if s.reg.Upsert(p) {
		s.metrics.RecordSnapshot(metrics.SnapshotApplied)
	} else {
		s.metrics.RecordSnapshot(metrics.SnapshotUnchanged)
	}

	if j, ok := s.reg.Get(ch.id); ok && j.Status.Terminal() {
		s.log.Info("Job finished",
			zap.String("job_id", ch.id.String()),
			zap.String("status", string(j.Status)),
		)
		s.shut(ch)
		s.settled(j)
	}
}

func (s *Sync) settled(j jobregistry.Job) {
	if j.Status == jobregistry.StatusSucceeded && j.Results == nil && s.results != nil {
		s.results.Trigger(j.ID)
	}
}

func (s *Sync) notFound(ch *channel) {
	s.log.Info("Job not found on server", zap.String("job_id", ch.id.String()))
	if _, ok := s.reg.Get(ch.id); ok {
		s.reg.Upsert(jobregistry.Patch{
			ID:         ch.id,
			Status:     jobregistry.Ptr(jobregistry.StatusFailed),
			Message:    jobregistry.Ptr(NotFoundMessage),
			ETASeconds: jobregistry.Ptr(0.0),
		})
	}
	s.shut(ch)
}

func (s *Sync) onClosed(ch *channel, gen uint64, err error) {
	if !s.current(ch, gen) {
		return
	}
	s.log.Debug("Channel closed", zap.String("job_id", ch.id.String()), zap.Error(err))
	s.reconnect(ch)
}

// reconnect drops the live connection, if any, and schedules one retry.
func (s *Sync) reconnect(ch *channel) {
	s.drop(ch)
	if ch.timer != nil {
		return
	}
	s.metrics.RecordReconnect()
	s.setState(ch, StateReconnecting)

	gen := ch.gen
	ch.timer = s.loop.After(s.backoff, func() {
		if !s.current(ch, gen) {
			return
		}
		ch.timer = nil
		s.connect(ch)
	})
}

// drop invalidates in-flight completions and releases the connection.
func (s *Sync) drop(ch *channel) {
	ch.gen++
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	if ch.conn != nil {
		_ = ch.conn.Close()
		ch.conn = nil
		s.metrics.ChannelClosed()
	}
}

// shut closes ch for good.
func (s *Sync) shut(ch *channel) {
	s.drop(ch)
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	s.setState(ch, StateClosed)
}
