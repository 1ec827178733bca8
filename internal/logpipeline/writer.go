package logpipeline

import (
	"bytes"

	"github.com/kodeflow/procd/internal/clockid"
)

// streamWriter is the io.WriteCloser handed to an instance's exec.Cmd as
// Stdout or Stderr. It splits arbitrary write chunks on newlines, tees each
// complete line to the ring (for live tail/stream) and to the on-disk
// rotator, interning the line text through the shared pool.
type streamWriter struct {
	instanceID string
	stream     string
	ring       *Ring
	pool       *Pool
	rot        *rotator
	clock      clockid.Clock
	notify     func(Entry)
	partial    bytes.Buffer
}

func newStreamWriter(instanceID, stream string, ring *Ring, pool *Pool, rot *rotator, clock clockid.Clock, notify func(Entry)) *streamWriter {
	if clock == nil {
		clock = clockid.Default
	}
	return &streamWriter{instanceID: instanceID, stream: stream, ring: ring, pool: pool, rot: rot, clock: clock, notify: notify}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			w.partial.Write(p)
			break
		}
		w.partial.Write(p[:idx])
		w.emit(w.partial.String())
		w.partial.Reset()
		p = p[idx+1:]
	}
	return total, nil
}

func (w *streamWriter) emit(line string) {
	line = w.pool.Intern(line)
	e := Entry{Timestamp: w.clock.Now(), InstanceID: w.instanceID, Stream: w.stream, Message: line}
	w.ring.Push(e)
	if w.rot != nil {
		_, _ = w.rot.Write([]byte(e.Format() + "\n"))
	}
	if w.notify != nil {
		w.notify(e)
	}
}

func (w *streamWriter) Close() error {
	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
	return nil
}
