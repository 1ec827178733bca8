package logpipeline

import (
	"fmt"
	"os"
	"sync"
)

// rotator is a size-bounded append writer that rolls a file through a fixed
// chain of numbered backups: path.9 -> path.10, ..., path -> path.1, then a
// fresh path is created. This is a thin stdlib-only replacement for
// lumberjack's own backup naming (name-<timestamp>.ext), needed here because
// the control plane's "logs" verb hands back tail/stream data keyed to the
// literal path.1 .. path.10 contract; lumberjack has no hook to override its
// naming scheme, so a dependency that owns the whole rotation decision
// doesn't fit this one spot. lumberjack itself is still wired in, backing
// internal/errtaxonomy's on-disk error log, where its own naming is fine.
type rotator struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	maxBackups  int
	f           *os.File
	size        int64
}

func newRotator(path string, maxBytes int64, maxBackups int) (*rotator, error) {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if maxBackups <= 0 {
		maxBackups = 10
	}
	r := &rotator{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.size+int64(len(p)) > r.maxBytes && r.size > 0 {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil
	for n := r.maxBackups - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", r.path, n)
		dst := fmt.Sprintf("%s.%d", r.path, n+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(r.path); err == nil {
		_ = os.Rename(r.path, r.path+".1")
	}
	return r.open()
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
