package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/studyflow/internal/metrics"
	"github.com/3leaps/studyflow/pkg/eventloop"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/jobregistry"
)

type fakeConn struct {
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) send(s string) { c.msgs <- []byte(s) }

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type dialResult func() (Conn, error)

type fakeDialer struct {
	mu     sync.Mutex
	dials  []string
	script []dialResult
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, jobID string) (Conn, error) {
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, jobID)
	var next dialResult
	if n < len(d.script) {
		next = d.script[n]
	}
	d.mu.Unlock()

	if next == nil {
		return nil, joberr.Wrap("DialChannel", jobID, joberr.ErrTransport, errors.New("connection refused"))
	}
	conn, err := next()
	if fc, ok := conn.(*fakeConn); ok {
		d.mu.Lock()
		d.conns = append(d.conns, fc)
		d.mu.Unlock()
	}
	return conn, err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func openConn() (Conn, error) { return newFakeConn(), nil }

func refuse() (Conn, error) {
	return nil, joberr.Wrap("DialChannel", "", joberr.ErrTransport, errors.New("refused"))
}

func notFound() (Conn, error) {
	return nil, &joberr.Error{Op: "DialChannel", Status: 404, Err: joberr.ErrNotFound}
}

type countingTrigger struct {
	ids []jobregistry.JobID
}

func (c *countingTrigger) Trigger(id jobregistry.JobID) bool {
	c.ids = append(c.ids, id)
	return true
}

type fixture struct {
	loop    *eventloop.Loop
	clock   *eventloop.ManualClock
	reg     *jobregistry.Registry
	dialer  *fakeDialer
	trigger *countingTrigger
	sync    *Sync
}

func newFixture(t *testing.T, script []dialResult, opts ...Option) *fixture {
	t.Helper()
	clock := eventloop.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		clock:   clock,
		loop:    eventloop.New(eventloop.WithClock(clock)),
		reg:     jobregistry.NewRegistry(),
		dialer:  &fakeDialer{script: script},
		trigger: &countingTrigger{},
	}
	opts = append([]Option{WithResults(f.trigger), WithBackoff(time.Second)}, opts...)
	f.sync = New(f.loop, f.reg, f.dialer, opts...)
	t.Cleanup(func() {
		f.sync.Close()
		f.loop.Drain()
	})
	return f
}

// settle drains the loop until cond holds.
func (f *fixture) settle(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.loop.Drain()
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) running(id jobregistry.JobID) {
	f.reg.Upsert(jobregistry.Patch{ID: id, Status: jobregistry.Ptr(jobregistry.StatusRunning)})
}

func (f *fixture) stateIs(id jobregistry.JobID, want State) func() bool {
	return func() bool { return f.sync.State(id) == want }
}

// Scenario B: a Succeeded snapshot moves the job to Succeeded, closes the
// channel and triggers exactly one results fetch.
func TestSync_TerminalSnapshotClosesAndTriggersResults(t *testing.T) {
	f := newFixture(t, []dialResult{openConn})
	id := jobregistry.Assigned("42")
	f.running(id)

	f.sync.Watch(id)
	assert.Equal(t, StateConnecting, f.sync.State(id))
	f.settle(t, f.stateIs(id, StateOpen))

	conn := f.dialer.conn(0)
	conn.send(`{"type":"job.update","job":{"id":"42","status":"Succeeded","progress":100}}`)
	f.settle(t, f.stateIs(id, StateClosed))

	j, ok := f.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, jobregistry.StatusSucceeded, j.Status)
	assert.Equal(t, []jobregistry.JobID{id}, f.trigger.ids)
	assert.True(t, conn.closed())
	assert.Equal(t, 0, f.sync.PendingTimers())
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestSync_EmbeddedResultsSkipTrigger(t *testing.T) {
	f := newFixture(t, []dialResult{openConn})
	id := jobregistry.Assigned("7")
	f.running(id)

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))

	f.dialer.conn(0).send(`{"type":"job.update","job":{"id":7,"status":"completed",` +
		`"results_payload":{"summary":{"model":"v2"},"rows":[{"study_uid":"1.2"}]}}}`)
	f.settle(t, f.stateIs(id, StateClosed))

	j, _ := f.reg.Get(id)
	require.NotNil(t, j.Results)
	assert.Equal(t, "v2", j.Results.Summary["model"])
	assert.Empty(t, f.trigger.ids)
}

func TestSync_IdenticalSnapshotIsNoop(t *testing.T) {
	m := metrics.NewCollector()
	f := newFixture(t, []dialResult{openConn}, WithMetrics(m))
	id := jobregistry.Assigned("42")
	f.running(id)

	changes := 0
	f.reg.Subscribe(func(jobregistry.Change) { changes++ })

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))

	conn := f.dialer.conn(0)
	msg := `{"type":"job.update","job":{"id":"42","status":"processing","progress":40}}`
	conn.send(msg)
	f.settle(t, func() bool { j, _ := f.reg.Get(id); return j.Progress == 40 })
	conn.send(msg)
	conn.send(`{"type":"job.update","job":{"id":"42","status":"processing","progress":55}}`)
	f.settle(t, func() bool { j, _ := f.reg.Get(id); return j.Progress == 55 })

	assert.Equal(t, 2, changes)
	assert.Equal(t, StateOpen, f.sync.State(id))
}

func TestSync_InvalidEnvelopeDropped(t *testing.T) {
	f := newFixture(t, []dialResult{openConn})
	id := jobregistry.Assigned("42")
	f.running(id)

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))

	conn := f.dialer.conn(0)
	conn.send(`not json`)
	conn.send(`{"type":"job.update"}`)
	conn.send(`{"type":"job.deleted"}`)
	conn.send(`{"type":"job.update","job":{"progress":-5}}`)
	conn.send(`{"type":"job.update","job":{"progress":12}}`)
	f.settle(t, func() bool { j, _ := f.reg.Get(id); return j.Progress == 12 })

	assert.Equal(t, StateOpen, f.sync.State(id))
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestSync_NotFoundEnvelopeFailsJob(t *testing.T) {
	f := newFixture(t, []dialResult{openConn})
	id := jobregistry.Assigned("missing")
	f.running(id)

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))
	f.dialer.conn(0).send(`{"type":"job.not_found","job_id":"missing"}`)
	f.settle(t, f.stateIs(id, StateClosed))

	j, _ := f.reg.Get(id)
	assert.Equal(t, jobregistry.StatusFailed, j.Status)
	assert.Equal(t, NotFoundMessage, j.Message)
	assert.Empty(t, f.trigger.ids)
}

func TestSync_HandshakeNotFoundFailsJob(t *testing.T) {
	f := newFixture(t, []dialResult{notFound})
	id := jobregistry.Assigned("gone")
	f.running(id)

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateClosed))

	j, _ := f.reg.Get(id)
	assert.Equal(t, jobregistry.StatusFailed, j.Status)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestSync_ReconnectBound(t *testing.T) {
	m := metrics.NewCollector()
	f := newFixture(t, []dialResult{refuse, refuse, openConn, openConn}, WithMetrics(m))
	id := jobregistry.Assigned("42")
	f.running(id)

	var states []State
	f.sync.OnStateChange(func(_ jobregistry.JobID, s State) { states = append(states, s) })

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateReconnecting))
	assert.Equal(t, 1, f.clock.Pending())
	assert.Equal(t, 1, f.sync.PendingTimers())
	assert.True(t, f.sync.Reconnecting())

	f.clock.Advance(time.Second)
	f.settle(t, func() bool { return f.dialer.dialCount() == 2 && f.sync.State(id) == StateReconnecting })
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(time.Second)
	f.settle(t, f.stateIs(id, StateOpen))
	assert.Equal(t, 0, f.clock.Pending())
	assert.Equal(t, 0, f.sync.PendingTimers())

	// A mid-stream close reconnects too.
	_ = f.dialer.conn(0).Close()
	f.settle(t, f.stateIs(id, StateReconnecting))
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(time.Second)
	f.settle(t, f.stateIs(id, StateOpen))
	assert.Equal(t, 4, f.dialer.dialCount())

	assert.Equal(t, []State{
		StateConnecting, StateReconnecting,
		StateConnecting, StateReconnecting,
		StateConnecting, StateOpen,
		StateReconnecting, StateConnecting, StateOpen,
	}, states)
}

func TestSync_InjectedFaultsKeepOneTimer(t *testing.T) {
	script := make([]dialResult, 6)
	for i := range script {
		script[i] = openConn
	}
	f := newFixture(t, script, WithFaults(FaultFunc(func(string) bool { return true })))
	id := jobregistry.Assigned("42")
	f.running(id)

	f.sync.Watch(id)
	for i := 0; i < 3; i++ {
		f.settle(t, f.stateIs(id, StateOpen))
		conn := f.dialer.conn(i)
		conn.send(`{"type":"job.update","job":{"status":"running"}}`)
		conn.send(`{"type":"job.update","job":{"status":"running","progress":1}}`)
		f.settle(t, f.stateIs(id, StateReconnecting))
		f.loop.Drain()
		assert.LessOrEqual(t, f.clock.Pending(), 1)
		assert.True(t, conn.closed())
		f.clock.Advance(time.Second)
	}
}

func TestSync_SwitchCancelsPreviousTimer(t *testing.T) {
	f := newFixture(t, []dialResult{refuse, openConn})
	a := jobregistry.Assigned("a")
	b := jobregistry.Assigned("b")
	f.running(a)
	f.running(b)

	f.sync.Switch(a)
	f.settle(t, f.stateIs(a, StateReconnecting))
	require.Equal(t, 1, f.clock.Pending())

	f.sync.Switch(b)
	assert.Equal(t, b, f.sync.Active())
	assert.Equal(t, StateIdle, f.sync.State(a))
	assert.Equal(t, 0, f.clock.Pending())
	f.settle(t, f.stateIs(b, StateOpen))

	f.clock.Advance(10 * time.Second)
	f.loop.Drain()
	assert.Equal(t, 2, f.dialer.dialCount(), "no stale reconnect for the previous job")
}

func TestSync_WatchIsIdempotent(t *testing.T) {
	f := newFixture(t, []dialResult{openConn, openConn})
	id := jobregistry.Assigned("42")
	f.running(id)

	f.sync.Watch(id)
	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))
	f.sync.Watch(id)
	f.loop.Drain()
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestSync_IgnoresPlaceholdersAndTerminalJobs(t *testing.T) {
	f := newFixture(t, nil)
	pending := jobregistry.Pending("local-1")
	f.running(pending)
	f.sync.Watch(pending)
	assert.Equal(t, StateIdle, f.sync.State(pending))

	done := jobregistry.Assigned("done")
	f.reg.Upsert(jobregistry.Patch{ID: done, Status: jobregistry.Ptr(jobregistry.StatusSucceeded)})
	f.sync.Watch(done)
	assert.Equal(t, StateIdle, f.sync.State(done))
	assert.Equal(t, []jobregistry.JobID{done}, f.trigger.ids)
	assert.Equal(t, 0, f.dialer.dialCount())
}

func TestSync_SnapshotDoesNotResurrectRemovedJob(t *testing.T) {
	f := newFixture(t, []dialResult{openConn})
	id := jobregistry.Assigned("42")
	f.running(id)

	f.sync.Watch(id)
	f.settle(t, f.stateIs(id, StateOpen))
	f.reg.Remove(id)

	f.dialer.conn(0).send(`{"type":"job.update","job":{"status":"running","progress":10}}`)
	f.settle(t, f.stateIs(id, StateClosed))
	_, ok := f.reg.Get(id)
	assert.False(t, ok)
}

func TestSync_CloseTearsDownEverything(t *testing.T) {
	f := newFixture(t, []dialResult{openConn, refuse})
	a := jobregistry.Assigned("a")
	b := jobregistry.Assigned("b")
	f.running(a)
	f.running(b)

	f.sync.Watch(a)
	f.settle(t, f.stateIs(a, StateOpen))
	f.sync.Watch(b)
	f.settle(t, f.stateIs(b, StateReconnecting))

	f.sync.Close()
	assert.Equal(t, StateIdle, f.sync.State(a))
	assert.Equal(t, StateIdle, f.sync.State(b))
	assert.Equal(t, 0, f.clock.Pending())
	assert.True(t, f.dialer.conn(0).closed())

	f.sync.Watch(a)
	assert.Equal(t, StateIdle, f.sync.State(a))
}

func TestRandomFaults(t *testing.T) {
	never := NewRandomFaults(0, 1)
	always := NewRandomFaults(2, 1)
	for i := 0; i < 50; i++ {
		assert.False(t, never.Disconnect("x"))
		assert.True(t, always.Disconnect("x"))
	}
	assert.False(t, NoFaults{}.Disconnect("x"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(99).String())
}
