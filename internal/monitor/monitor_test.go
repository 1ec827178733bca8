package monitor

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCheckMemoryLimit(t *testing.T) {
	cases := []struct {
		rss   uint64
		limit int64
		want  bool
	}{
		{100, 0, false},
		{100, -1, false},
		{100, 100, false}, // exactly at the limit does not trigger
		{101, 100, true},
		{1000, 100, true},
	}
	for _, c := range cases {
		if got := CheckMemoryLimit(c.rss, c.limit); got != c.want {
			t.Errorf("CheckMemoryLimit(%d, %d) = %v, want %v", c.rss, c.limit, got, c.want)
		}
	}
}

func TestSampleReadsTheCallingProcess(t *testing.T) {
	c := New(Config{})
	s, err := c.Sample("self", int32(os.Getpid()))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.PID != int32(os.Getpid()) {
		t.Fatalf("expected sample pid to match, got %d", s.PID)
	}
	if s.MemoryRSS == 0 {
		t.Fatalf("expected a nonzero RSS reading for the running test process")
	}
}

func TestHistoryIsBoundedAndOrdered(t *testing.T) {
	c := New(Config{MaxHistory: 3})
	for i := 0; i < 5; i++ {
		c.hist("inst").push(Sample{InstanceID: "inst", PID: int32(i)})
	}
	hist := c.History("inst", 10)
	if len(hist) != 3 {
		t.Fatalf("expected history capped at MaxHistory=3, got %d", len(hist))
	}
	if hist[0].PID != 2 || hist[2].PID != 4 {
		t.Fatalf("expected the oldest 2 samples evicted, got pids %d,%d,%d", hist[0].PID, hist[1].PID, hist[2].PID)
	}
}

func TestHistoryUnknownInstanceReturnsNil(t *testing.T) {
	c := New(Config{})
	if got := c.History("ghost", 10); got != nil {
		t.Fatalf("expected nil history for an unknown instance, got %+v", got)
	}
}

func TestCollectPopulatesThenCleansUpMissingInstances(t *testing.T) {
	c := New(Config{MaxHistory: 10})
	pid := int32(os.Getpid())
	c.collect(map[string]int32{"self": pid})
	if len(c.History("self", 10)) != 1 {
		t.Fatalf("expected one sample recorded after collect")
	}

	c.collect(map[string]int32{})
	if c.History("self", 10) != nil {
		t.Fatalf("expected history for an instance absent from the latest collect to be cleaned up")
	}
}

func TestRegisterMetricsToleratesDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c1 := New(Config{})
	c2 := New(Config{})
	if err := c1.RegisterMetrics(reg); err != nil {
		t.Fatalf("first RegisterMetrics: %v", err)
	}
	// A second collector sharing the same metric names on the same registry
	// must not fail registration (the "already registered" case is ignored).
	if err := c2.RegisterMetrics(reg); err != nil {
		t.Fatalf("second RegisterMetrics: %v", err)
	}
}

func TestSystemReturnsPlausibleWholeHostInfo(t *testing.T) {
	info, err := System(context.Background())
	if err != nil {
		t.Fatalf("System: %v", err)
	}
	if info.MemoryTotal == 0 {
		t.Fatalf("expected a nonzero total memory reading")
	}
	if info.CPUCount <= 0 {
		t.Fatalf("expected a positive cpu count, got %d", info.CPUCount)
	}
	if info.MemoryFree > info.MemoryTotal {
		t.Fatalf("free memory %d exceeds total %d", info.MemoryFree, info.MemoryTotal)
	}
}
