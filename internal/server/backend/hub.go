package backend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Push envelope types.
const (
	TypeJobUpdate   = "job.update"
	TypeJobNotFound = "job.not_found"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// Envelope is one outbound push message.
type Envelope struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	Job   *Job   `json:"job,omitempty"`
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// Hub fans job changes out to websocket subscribers. A subscriber receives
// the current job on connect, then every change, and is closed once the job
// reaches a terminal status.
type Hub struct {
	store    *Store
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu     sync.Mutex
	subs   map[int64]map[*subscriber]struct{}
	closed bool
}

// NewHub creates a hub and subscribes it to store.
func NewHub(store *Store, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		store: store,
		log:   log,
		subs:  make(map[int64]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	store.OnChange(h.Broadcast)
	return h
}

// Serve upgrades the request and streams updates for the job named key
// until the job ends or the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key string) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Websocket upgrade failed", zap.String("job_id", key), zap.Error(err))
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	go h.writeLoop(sub)

	h.mu.Lock()
	job, ok := h.store.Lookup(key)
	switch {
	case h.closed:
		h.finish(sub)
	case !ok:
		h.enqueue(sub, encode(Envelope{Type: TypeJobNotFound, JobID: key}))
		h.finish(sub)
	default:
		h.enqueue(sub, encode(Envelope{Type: TypeJobUpdate, Job: &job}))
		if Terminal(job.Status) {
			h.finish(sub)
			break
		}
		if h.subs[job.ID] == nil {
			h.subs[job.ID] = make(map[*subscriber]struct{})
		}
		h.subs[job.ID][sub] = struct{}{}
	}
	h.mu.Unlock()

	h.log.Debug("Subscriber connected", zap.String("job_id", key), zap.Bool("found", ok))

	// Inbound frames are ignored; reading surfaces the peer closing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if ok {
		h.detach(job.ID, sub)
	}
	h.finish(sub)
	h.mu.Unlock()
}

// Broadcast sends job to its subscribers.
func (h *Hub) Broadcast(job Job) {
	msg := encode(Envelope{Type: TypeJobUpdate, Job: &job})

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[job.ID] {
		h.enqueue(sub, msg)
		if Terminal(job.Status) {
			h.finish(sub)
		}
	}
	if Terminal(job.Status) {
		delete(h.subs, job.ID)
	}
}

// Subscribers returns how many channels are open for id.
func (h *Hub) Subscribers(id int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, subs := range h.subs {
		for sub := range subs {
			h.finish(sub)
		}
		delete(h.subs, id)
	}
}

// enqueue must be called with h.mu held. A subscriber that cannot keep up
// is dropped.
func (h *Hub) enqueue(sub *subscriber, msg []byte) {
	if sub.closed || msg == nil {
		return
	}
	select {
	case sub.send <- msg:
	default:
		h.log.Warn("Dropping slow subscriber")
		h.finish(sub)
	}
}

// finish must be called with h.mu held.
func (h *Hub) finish(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.send)
}

// detach must be called with h.mu held.
func (h *Hub) detach(id int64, sub *subscriber) {
	if subs, ok := h.subs[id]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, id)
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer func() { _ = sub.conn.Close() }()
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("Websocket write failed", zap.Error(err))
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func encode(env Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return b
}
