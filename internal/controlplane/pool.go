package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
)

// activeWindow is the recency threshold spec.md §4.4 uses for the "active"
// connection-pool statistic, independent of the configurable idleTimeout a
// connection is actually evicted at.
const activeWindow = 60 * time.Second

// Pool bounds the number of concurrently connected control-plane clients and
// evicts connections that have gone idle past idleTimeout. Grounded on the
// spec's own connection-pool contract (bounded capacity, oldest-idle
// eviction, background sweep), for which the teacher has no analogue (its
// HTTP server relies on net/http's own connection handling); this is built
// fresh in the codebase's general "mutex-guarded map + sweep ticker" idiom.
type Pool struct {
	mu          sync.Mutex
	conns       map[*connState]struct{}
	maxConns    int
	idleTimeout time.Duration
	clock       clockid.Clock

	totalAdmitted int64
	totalMessages int64
}

func newPool(maxConns int, idleTimeout time.Duration, clock clockid.Clock) *Pool {
	return &Pool{
		conns:       make(map[*connState]struct{}),
		maxConns:    maxConns,
		idleTimeout: idleTimeout,
		clock:       clock,
	}
}

// admit registers a freshly accepted connection, evicting the oldest idle
// connection first if the pool is at capacity. Returns nil if the pool is
// full and nothing could be evicted to make room.
func (p *Pool) admit(conn net.Conn) *connState {
	cs := &connState{conn: conn, enc: json.NewEncoder(conn), lastActive: p.clock.Now()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) >= p.maxConns {
		oldest := p.oldestLocked()
		if oldest == nil {
			return nil
		}
		delete(p.conns, oldest)
		_ = oldest.conn.Close()
	}
	p.conns[cs] = struct{}{}
	p.totalAdmitted++
	return cs
}

// recordMessage counts one dispatched request frame toward the pool's
// lifetime message total, used to report average messages/connection.
func (p *Pool) recordMessage() {
	p.mu.Lock()
	p.totalMessages++
	p.mu.Unlock()
}

func (p *Pool) oldestLocked() *connState {
	var oldest *connState
	for cs := range p.conns {
		cs.mu.Lock()
		t := cs.lastActive
		cs.mu.Unlock()
		if oldest == nil || t.Before(oldest.lastActive) {
			oldest = cs
		}
	}
	return oldest
}

func (p *Pool) remove(cs *connState) {
	p.mu.Lock()
	delete(p.conns, cs)
	p.mu.Unlock()
}

// Stats summarizes the pool's occupancy and lifetime traffic, used by the
// "status" verb. Total is cumulative across the server's lifetime (including
// connections since closed); Active counts only currently-pooled connections
// with a frame in the last 60s, per spec.md §4.4.
type Stats struct {
	Total              int64   `json:"total"`
	Active             int     `json:"active"`
	Capacity           int     `json:"capacity"`
	TotalMessages      int64   `json:"totalMessages"`
	AvgMessagesPerConn float64 `json:"avgMessagesPerConn"`
}

func (p *Pool) Stats() Stats {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for cs := range p.conns {
		cs.mu.Lock()
		idle := now.Sub(cs.lastActive)
		cs.mu.Unlock()
		if idle <= activeWindow {
			active++
		}
	}
	var avg float64
	if p.totalAdmitted > 0 {
		avg = float64(p.totalMessages) / float64(p.totalAdmitted)
	}
	return Stats{
		Total:              p.totalAdmitted,
		Active:             active,
		Capacity:           p.maxConns,
		TotalMessages:      p.totalMessages,
		AvgMessagesPerConn: avg,
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := p.clock.Now()
	p.mu.Lock()
	var stale []*connState
	for cs := range p.conns {
		cs.mu.Lock()
		idle := now.Sub(cs.lastActive)
		cs.mu.Unlock()
		if idle > p.idleTimeout {
			stale = append(stale, cs)
		}
	}
	for _, cs := range stale {
		delete(p.conns, cs)
	}
	p.mu.Unlock()

	for _, cs := range stale {
		_ = cs.conn.Close()
	}
}
