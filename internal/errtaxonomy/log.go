package errtaxonomy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kodeflow/procd/internal/clockid"
)

// Entry is one recorded error, as surfaced by the "errors" control-plane
// verb.
type Entry struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	Severity Severity   `json:"severity"`
	Code     Code       `json:"code"`
	Message  string     `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// Stats is the aggregate view returned by the "errorStats" verb.
type Stats struct {
	Total        int              `json:"total"`
	ByCategory   map[Category]int `json:"byCategory"`
	BySeverity   map[Severity]int `json:"bySeverity"`
	LastHour     int              `json:"lastHour"`
}

// Handler logs every error once, attempts registered recovery strategies in
// order, and keeps a bounded ring of recent errors with running counters.
// Grounded on the codebase's general bounded-ring-with-counters idiom
// (internal/monitor's history, internal/logpipeline's Ring); the on-disk
// sink reuses gopkg.in/natefinch/lumberjack.v2, the teacher's own rotation
// library, here free of internal/logpipeline's literal out.log.N naming
// contract so it's wired as the teacher intended.
type Handler struct {
	mu         sync.Mutex
	entries    []Entry
	cap        int
	start      int
	count      int
	byCategory map[Category]int
	bySeverity map[Severity]int

	clock      clockid.Clock
	strategies []Strategy
	file       *lumberjack.Logger
}

// Config configures a Handler's retention and on-disk persistence.
type Config struct {
	MaxEntries int
	LogFile    string // empty disables the on-disk sink
	Clock      clockid.Clock
}

func NewHandler(cfg Config) *Handler {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clockid.Default
	}
	h := &Handler{
		entries:    make([]Entry, cfg.MaxEntries),
		cap:        cfg.MaxEntries,
		byCategory: make(map[Category]int),
		bySeverity: make(map[Severity]int),
		clock:      cfg.Clock,
	}
	if cfg.LogFile != "" {
		h.file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			Compress:   true,
		}
	}
	return h
}

// Register adds a recovery strategy, tried in registration order.
func (h *Handler) Register(s Strategy) {
	h.mu.Lock()
	h.strategies = append(h.strategies, s)
	h.mu.Unlock()
}

// Handle logs err once and tries to recover it. It returns nil when a
// registered strategy recovers err, and otherwise the *AppError for the
// caller to turn into a wire-level response.
func (h *Handler) Handle(ctx context.Context, err *AppError) *AppError {
	h.record(err)
	slog.Error("daemon error", "code", err.Code, "category", err.Category, "severity", err.Severity, "error", err.Error())

	h.mu.Lock()
	strategies := append([]Strategy(nil), h.strategies...)
	h.mu.Unlock()

	for _, s := range strategies {
		if s.CanRecover(err) {
			if s.Recover(ctx, err) {
				slog.Info("error recovered", "code", err.Code)
				return nil
			}
			break
		}
	}
	return err
}

func (h *Handler) record(err *AppError) {
	e := Entry{
		Time:     h.clock.Now(),
		Category: err.Category,
		Severity: err.Severity,
		Code:     err.Code,
		Message:  err.UserMessage(),
		Context:  err.Context,
	}

	h.mu.Lock()
	idx := (h.start + h.count) % h.cap
	h.entries[idx] = e
	if h.count < h.cap {
		h.count++
	} else {
		h.start = (h.start + 1) % h.cap
	}
	h.byCategory[e.Category]++
	h.bySeverity[e.Severity]++
	h.mu.Unlock()

	if h.file != nil {
		if line, mErr := json.Marshal(e); mErr == nil {
			_, _ = h.file.Write(append(line, '\n'))
		}
	}
}

// Recent returns up to n of the most recently recorded errors, oldest first.
func (h *Handler) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Entry, n)
	first := h.start + h.count - n
	for k := 0; k < n; k++ {
		out[k] = h.entries[(first+k)%h.cap]
	}
	return out
}

// Stats returns the aggregate counters, including a last-hour count derived
// from the retained entries.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.clock.Now().Add(-time.Hour)
	lastHour := 0
	for k := 0; k < h.count; k++ {
		e := h.entries[(h.start+k)%h.cap]
		if e.Time.After(cutoff) {
			lastHour++
		}
	}
	return Stats{
		Total:      h.count,
		ByCategory: copyCategoryMap(h.byCategory),
		BySeverity: copySeverityMap(h.bySeverity),
		LastHour:   lastHour,
	}
}

func copyCategoryMap(m map[Category]int) map[Category]int {
	out := make(map[Category]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySeverityMap(m map[Severity]int) map[Severity]int {
	out := make(map[Severity]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
