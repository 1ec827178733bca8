package logpipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return New(Options{Dir: t.TempDir(), RingSize: 100, PoolSize: 100, MaxFileSize: 1 << 20, MaxBackups: 3})
}

func TestPipelineOpenWriteTail(t *testing.T) {
	p := newTestPipeline(t)
	stdout, _, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := stdout.Write([]byte("line one\nline two\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries := p.Tail("inst-1", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 tailed lines, got %d: %+v", len(entries), entries)
	}
	if entries[0].Message != "line one" || entries[1].Message != "line two" {
		t.Fatalf("unexpected tail content: %+v", entries)
	}
	if p.Len("inst-1") != 2 {
		t.Fatalf("expected Len()==2, got %d", p.Len("inst-1"))
	}
}

func TestTailIsSuffixOfFullHistory(t *testing.T) {
	p := newTestPipeline(t)
	stdout, _, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := stdout.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	full := p.Tail("inst-1", 0)
	suffix := p.Tail("inst-1", 5)
	if len(suffix) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(suffix))
	}
	offset := len(full) - len(suffix)
	for i, e := range suffix {
		if e != full[offset+i] {
			t.Fatalf("getLogs(id, 5) is not a suffix of the full ordered log: entry %d mismatch", i)
		}
	}
}

func TestPipelineUnknownInstanceReturnsEmpty(t *testing.T) {
	p := newTestPipeline(t)
	if entries := p.Tail("ghost", 10); entries != nil {
		t.Fatalf("expected nil for an unknown instance, got %+v", entries)
	}
	if n := p.Len("ghost"); n != 0 {
		t.Fatalf("expected Len()==0 for an unknown instance, got %d", n)
	}
}

func TestStreamDeliversSubsequentLines(t *testing.T) {
	p := newTestPipeline(t)
	stdout, _, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch, cancel, err := p.Stream("inst-1")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer cancel()

	if _, err := stdout.Write([]byte("streamed line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case e := <-ch:
		if e.Message != "streamed line" {
			t.Fatalf("unexpected streamed entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed entry")
	}
}

func TestForgetDropsInMemoryState(t *testing.T) {
	p := newTestPipeline(t)
	stdout, _, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = stdout.Write([]byte("line\n"))
	p.Forget("inst-1")
	if entries := p.Tail("inst-1", 10); entries != nil {
		t.Fatalf("expected no entries after Forget, got %+v", entries)
	}
}

func TestTailBackfillsFromDiskWhenRingIsShort(t *testing.T) {
	dir := t.TempDir()
	// RingSize of 2 means only the last 2 lines survive in memory; the
	// rest must be recovered from out.log on disk.
	p := New(Options{Dir: dir, RingSize: 2, PoolSize: 10, MaxFileSize: 1 << 20, MaxBackups: 3})
	stdout, _, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := stdout.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	entries := p.Tail("inst-1", 5)
	if len(entries) != 5 {
		t.Fatalf("expected the on-disk backfill to make up the shortfall, got %d entries: %+v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Message != "line" {
			t.Fatalf("unexpected backfilled entry: %+v", e)
		}
	}
}

func TestOpenCreatesPerInstanceLogFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(Options{Dir: dir, RingSize: 10, PoolSize: 10, MaxFileSize: 1 << 20, MaxBackups: 3})
	stdout, stderr, err := p.Open("inst-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = stdout.Write([]byte("out\n"))
	_, _ = stderr.Write([]byte("err\n"))
	p.Close("inst-1")

	if _, err := os.Stat(filepath.Join(dir, "inst-1", "out.log")); err != nil {
		t.Fatalf("expected out.log to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "inst-1", "error.log")); err != nil {
		t.Fatalf("expected error.log to exist: %v", err)
	}
}
