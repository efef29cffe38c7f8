package sse

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-counters/internal/logger"
)

// ErrRegistryClosed is returned by Register once Close has run.
var ErrRegistryClosed = errors.New("sse: registry closed")

// Registry tracks the live subscribers of this process. It owns the entries,
// not the connections: the transport that registered a Conn keeps driving it.
type Registry struct {
	mu     sync.RWMutex
	subs   map[int64]Conn
	lastID int64
	closed bool
	log    *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		subs: make(map[int64]Conn),
		log:  log,
	}
}

// Register adds conn and returns its id. Ids are derived from the wall clock
// in nanoseconds and never repeat within a process.
func (r *Registry) Register(conn Conn) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRegistryClosed
	}

	id := time.Now().UnixNano()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	r.subs[id] = conn

	r.log.LogStream(id, fmt.Sprintf("Registered (%d active)", len(r.subs)))
	return id, nil
}

// Unregister removes the subscriber and closes its connection. It reports
// whether an entry was removed; calling it again for the same id is a no-op.
func (r *Registry) Unregister(id int64) bool {
	r.mu.Lock()
	conn, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	remaining := len(r.subs)
	r.mu.Unlock()

	if !ok {
		return false
	}
	conn.Close()
	r.log.LogStream(id, fmt.Sprintf("Unregistered (%d active)", remaining))
	return true
}

// ForEach calls fn for every subscriber registered at the time of the call.
// fn runs outside the lock and may call Unregister.
func (r *Registry) ForEach(fn func(id int64, conn Conn)) {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.subs))
	conns := make([]Conn, 0, len(r.subs))
	for id, conn := range r.subs {
		ids = append(ids, id)
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for i := range ids {
		fn(ids[i], conns[i])
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close closes every connection and rejects later registrations. Stream
// handlers observe the closed connection and return, which lets the HTTP
// server shut down without waiting on them.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[int64]Conn)
	r.closed = true
	r.mu.Unlock()

	for _, conn := range subs {
		conn.Close()
	}
	r.log.Info("STREAM", fmt.Sprintf("Registry closed, %d subscriber(s) disconnected", len(subs)))
}
