package logpipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
)

// Options configures a Pipeline's capacity and rotation behavior.
type Options struct {
	Dir         string // root directory for per-instance log files
	RingSize    int    // lines kept in memory per instance
	PoolSize    int    // interned strings per instance
	MaxFileSize int64  // rotation threshold in bytes, per stream file
	MaxBackups  int    // number of numbered backups to retain (spec: 10)
	Clock       clockid.Clock
}

type instanceState struct {
	ring        *Ring
	pool        *Pool
	outRot      *rotator
	errRot      *rotator
	outW, errW  io.WriteCloser
	subsMu      sync.Mutex
	subscribers map[int]chan Entry
	nextSub     int
}

// Pipeline owns the capture/rotate/tail/stream machinery for every managed
// instance. Grounded on the teacher's internal/logger.Config+Writers
// (lumberjack wiring) for the on-disk side; the in-memory ring/pool/stream
// side is new, built for the design's "logs" and "logs -f" control-plane
// verbs, which the teacher's synchronous HTTP API has no equivalent for.
type Pipeline struct {
	opts Options

	mu    sync.Mutex
	insts map[string]*instanceState
}

func New(opts Options) *Pipeline {
	if opts.RingSize <= 0 {
		opts.RingSize = 1000
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4096
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 10 * 1024 * 1024
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.Clock == nil {
		opts.Clock = clockid.Default
	}
	return &Pipeline{opts: opts, insts: make(map[string]*instanceState)}
}

// Open prepares capture for instanceID and returns the stdout/stderr writers
// to wire into the instance's exec.Cmd.
func (p *Pipeline) Open(instanceID string) (stdout, stderr io.WriteCloser, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.insts[instanceID]; ok {
		return st.outW, st.errW, nil
	}

	dir := filepath.Join(p.opts.Dir, instanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("logpipeline: create dir for %s: %w", instanceID, err)
	}
	outRot, err := newRotator(filepath.Join(dir, "out.log"), p.opts.MaxFileSize, p.opts.MaxBackups)
	if err != nil {
		return nil, nil, err
	}
	errRot, err := newRotator(filepath.Join(dir, "error.log"), p.opts.MaxFileSize, p.opts.MaxBackups)
	if err != nil {
		return nil, nil, err
	}

	st := &instanceState{
		ring:        NewRing(p.opts.RingSize),
		pool:        NewPool(p.opts.PoolSize),
		outRot:      outRot,
		errRot:      errRot,
		subscribers: make(map[int]chan Entry),
	}
	notify := func(e Entry) { st.fanout(e) }
	st.outW = newStreamWriter(instanceID, "stdout", st.ring, st.pool, outRot, p.opts.Clock, notify)
	st.errW = newStreamWriter(instanceID, "stderr", st.ring, st.pool, errRot, p.opts.Clock, notify)
	p.insts[instanceID] = st
	return st.outW, st.errW, nil
}

func (st *instanceState) fanout(e Entry) {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()
	for _, ch := range st.subscribers {
		select {
		case ch <- e:
		default: // slow subscriber: drop rather than block the instance's output
		}
	}
}

// Close releases an instance's writers and rotated files. The in-memory
// ring/subscribers are retained until Forget is called so a just-stopped
// instance can still be tailed.
func (p *Pipeline) Close(instanceID string) {
	p.mu.Lock()
	st, ok := p.insts[instanceID]
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = st.outW.Close()
	_ = st.errW.Close()
	_ = st.outRot.Close()
	_ = st.errRot.Close()
}

// Forget drops all in-memory state for an instance, used when an instance is
// deleted from the fleet.
func (p *Pipeline) Forget(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.insts, instanceID)
}

// Tail returns the n most recent captured lines for an instance, oldest
// first. If the in-memory ring holds fewer than n (typically just after the
// daemon restarts and resumes a spec, before enough fresh output has
// arrived to refill it), the shortfall is backfilled from the rotated
// out.log/error.log chain on disk, newest file first, until the quota is
// reached or the chain is exhausted.
func (p *Pipeline) Tail(instanceID string, n int) []Entry {
	p.mu.Lock()
	st, ok := p.insts[instanceID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	inMem := st.ring.Last(n)
	if n <= 0 || len(inMem) >= n {
		return inMem
	}
	var cutoff time.Time
	if len(inMem) > 0 {
		cutoff = inMem[0].Timestamp
	}
	backfill := p.readBackfill(instanceID, n-len(inMem), cutoff)
	return append(backfill, inMem...)
}

// readBackfill reads up to want entries older than cutoff for instanceID
// from its on-disk stdout/stderr rotation chains, merged into arrival
// order. A zero cutoff means the ring held nothing at all, so every entry
// on disk is a candidate.
func (p *Pipeline) readBackfill(instanceID string, want int, cutoff time.Time) []Entry {
	if want <= 0 {
		return nil
	}
	dir := filepath.Join(p.opts.Dir, instanceID)
	var raw []Entry
	raw = append(raw, readStreamAll(dir, "out.log", "stdout", instanceID, p.opts.MaxBackups)...)
	raw = append(raw, readStreamAll(dir, "error.log", "stderr", instanceID, p.opts.MaxBackups)...)

	if !cutoff.IsZero() {
		filtered := raw[:0]
		for _, e := range raw {
			if e.Timestamp.Before(cutoff) {
				filtered = append(filtered, e)
			}
		}
		raw = filtered
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Timestamp.Before(raw[j].Timestamp) })
	if len(raw) > want {
		raw = raw[len(raw)-want:]
	}
	return raw
}

// readStreamAll reads base and its numbered backups (base.1 newest ..
// base.maxBackups oldest), parsing every line back into an Entry. Bounded
// by maxBackups-many files of at most MaxFileSize each, so this stays cheap
// even for a verbose instance.
func readStreamAll(dir, base, stream, instanceID string, maxBackups int) []Entry {
	var out []Entry
	path := filepath.Join(dir, base)
	for n := 0; n <= maxBackups; n++ {
		candidate := path
		if n > 0 {
			candidate = fmt.Sprintf("%s.%d", path, n)
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			if n == 0 {
				continue
			}
			break
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if e, ok := parseLogLine(line, instanceID, stream); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// parseLogLine reverses Entry.Format's "[<RFC3339Nano>] <message>" rendering.
func parseLogLine(line, instanceID, stream string) (Entry, bool) {
	if len(line) < 2 || line[0] != '[' {
		return Entry{}, false
	}
	closeIdx := strings.IndexByte(line, ']')
	if closeIdx < 0 {
		return Entry{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, line[1:closeIdx])
	if err != nil {
		return Entry{}, false
	}
	message := strings.TrimPrefix(line[closeIdx+1:], " ")
	return Entry{Timestamp: ts, InstanceID: instanceID, Stream: stream, Message: message}, true
}

// Len reports how many lines are currently retained in an instance's ring.
func (p *Pipeline) Len(instanceID string) int {
	p.mu.Lock()
	st, ok := p.insts[instanceID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return st.ring.Len()
}

// Stream subscribes to an instance's live output. The returned function
// unsubscribes and must be called when the caller stops reading.
func (p *Pipeline) Stream(instanceID string) (<-chan Entry, func(), error) {
	p.mu.Lock()
	st, ok := p.insts[instanceID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("logpipeline: unknown instance %s", instanceID)
	}
	ch := make(chan Entry, 256)
	st.subsMu.Lock()
	id := st.nextSub
	st.nextSub++
	st.subscribers[id] = ch
	st.subsMu.Unlock()

	cancel := func() {
		st.subsMu.Lock()
		delete(st.subscribers, id)
		st.subsMu.Unlock()
		close(ch)
	}
	return ch, cancel, nil
}
