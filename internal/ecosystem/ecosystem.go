// Package ecosystem reads and writes the JSON "ecosystem file" format
// consumed by the "load"/"startFromFile" control-plane verbs and produced
// by "save": a list of ProcessSpecs plus a format version and creation
// timestamp.
//
// The teacher has no equivalent file format of its own (it admits specs
// individually via its HTTP API); this package is new, grounded on the
// teacher's general JSON-marshal-a-plain-struct style (e.g.
// internal/store's JSON-friendly Record) and on spec.md §6's literal wire
// shape, which this package implements verbatim.
package ecosystem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/spec"
)

const FormatVersion = "1.0.0"

// App is one entry in an ecosystem file, a JSON-friendly projection of
// spec.ProcessSpec (memory limits as human strings, e.g. "512M").
type App struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Instances   int               `json:"instances,omitempty"`
	AutoRestart bool              `json:"autorestart,omitempty"`
	MaxRestarts int               `json:"maxRestarts,omitempty"`
	MemoryLimit string            `json:"memoryLimit,omitempty"`
}

// File is the on-disk ecosystem document.
type File struct {
	Apps    []App     `json:"apps"`
	Version string    `json:"version"`
	Created time.Time `json:"created"`
}

// Load reads and parses an ecosystem file, resolving each app's relative
// Script/Cwd against the file's own directory.
func Load(path string) ([]spec.ProcessSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ecosystem: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ecosystem: parse %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	out := make([]spec.ProcessSpec, 0, len(f.Apps))
	for _, a := range f.Apps {
		s, err := a.toSpec(dir)
		if err != nil {
			return nil, fmt.Errorf("ecosystem: app %s: %w", a.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (a App) toSpec(dir string) (spec.ProcessSpec, error) {
	limit, err := ParseMemory(a.MemoryLimit)
	if err != nil {
		return spec.ProcessSpec{}, err
	}
	s := spec.ProcessSpec{
		ID:          a.ID,
		Name:        a.Name,
		Script:      resolveScript(dir, a.Script),
		Cwd:         resolveRelative(dir, a.Cwd),
		Env:         a.Env,
		Instances:   a.Instances,
		AutoRestart: a.AutoRestart,
		MaxRestarts: a.MaxRestarts,
		MemoryLimit: limit,
	}
	s.Normalize()
	return s, s.Validate()
}

func resolveRelative(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// resolveScript only resolves script against dir when it's a single bare
// relative path (e.g. "./app.js"); a multi-word script is a full command
// line (e.g. "node server.js --port 3000" or "sleep 2"), which must pass
// through untouched for spec.ProcessSpec.BuildCommand to parse correctly.
func resolveScript(dir, script string) string {
	if strings.ContainsAny(script, " \t") {
		return script
	}
	return resolveRelative(dir, script)
}

// Save writes specs to path as an ecosystem file.
func Save(path string, specs []spec.ProcessSpec, clock clockid.Clock) error {
	if clock == nil {
		clock = clockid.Default
	}
	apps := make([]App, 0, len(specs))
	for _, s := range specs {
		apps = append(apps, App{
			ID:          s.ID,
			Name:        s.Name,
			Script:      s.Script,
			Cwd:         s.Cwd,
			Env:         s.Env,
			Instances:   s.Instances,
			AutoRestart: s.AutoRestart,
			MaxRestarts: s.MaxRestarts,
			MemoryLimit: FormatMemory(s.MemoryLimit),
		})
	}
	f := File{Apps: apps, Version: FormatVersion, Created: clock.Now()}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

var memUnits = map[byte]int64{
	'K': 1_000,
	'M': 1_000_000,
	'G': 1_000_000_000,
	'T': 1_000_000_000_000,
}

// ParseMemory parses a decimal memory-limit string with an optional K/M/G/T
// suffix (e.g. "512M", "2G") into bytes. An empty string means no limit.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	last := s[len(s)-1]
	if mult, ok := memUnits[strings.ToUpper(string(last))[0]]; ok {
		n, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
		}
		return int64(n * float64(mult)), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n, nil
}

// FormatMemory renders bytes back into the most natural K/M/G/T string.
func FormatMemory(bytes int64) string {
	if bytes <= 0 {
		return ""
	}
	switch {
	case bytes%memUnits['T'] == 0:
		return fmt.Sprintf("%dT", bytes/memUnits['T'])
	case bytes%memUnits['G'] == 0:
		return fmt.Sprintf("%dG", bytes/memUnits['G'])
	case bytes%memUnits['M'] == 0:
		return fmt.Sprintf("%dM", bytes/memUnits['M'])
	case bytes%memUnits['K'] == 0:
		return fmt.Sprintf("%dK", bytes/memUnits['K'])
	default:
		return strconv.FormatInt(bytes, 10)
	}
}
