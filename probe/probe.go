// Package probe detects the presence and version of the runtimes the managed
// application depends on. Probes are read-only and idempotent: running the
// same probe twice against an unchanged system yields identical results.
// Results are cached until explicitly invalidated.
package probe

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Name identifies one of the known dependencies. The set is closed: the
// launcher never probes arbitrary tools.
type Name string

const (
	Node   Name = "node"
	Git    Name = "git"
	Pnpm   Name = "pnpm"
	Python Name = "python"
)

// spec describes how one dependency is located and queried.
type spec struct {
	required    bool
	versionArgs []string
	// parse extracts a version from the tool's output. Returning "" is
	// fine; an unparseable version still counts as present.
	parse func(string) string
}

var known = map[Name]spec{
	Node:   {required: true, versionArgs: []string{"--version"}, parse: parseVPrefixed},
	Git:    {required: true, versionArgs: []string{"--version"}, parse: parseLastNumeric},
	Pnpm:   {required: false, versionArgs: []string{"--version"}, parse: parseFirstNumeric},
	Python: {required: false, versionArgs: []string{"--version"}, parse: parseLastNumeric},
}

// Known returns all recognized dependency names in stable order.
func Known() []Name {
	names := make([]Name, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Required returns the dependencies that must be present for an instance
// to start.
func Required() []Name {
	var names []Name
	for _, name := range Known() {
		if known[name].required {
			names = append(names, name)
		}
	}
	return names
}

// IsRequired reports whether name is a required dependency.
func IsRequired(name Name) bool {
	return known[name].required
}

// Status is the live probe result for a single dependency.
type Status struct {
	Present bool
	Version string // empty means present but version unknown
	Path    string
}

// Result maps each probed dependency to its status.
type Result map[Name]Status

// Missing returns the required dependencies absent from r, in stable order.
func (r Result) Missing() []string {
	var missing []string
	for _, name := range Known() {
		st, ok := r[name]
		if ok && known[name].required && !st.Present {
			missing = append(missing, string(name))
		}
	}
	return missing
}

// Prober locates dependencies and queries their versions. It is safe for
// concurrent use.
type Prober struct {
	mu sync.Mutex
	// cache is keyed by the lookup-dir set: an instance with PATH
	// overrides resolves tools differently from the base environment,
	// so its results must not leak into other lookups.
	cache      map[string]Result
	timeout    time.Duration
	extraPaths []string
	logger     *slog.Logger
}

// Config holds Prober options.
type Config struct {
	// Timeout bounds each version query. Defaults to 5s.
	Timeout time.Duration
	// ExtraPaths are directories searched before PATH, e.g. an
	// instance-specific runtime override.
	ExtraPaths []string
	Logger     *slog.Logger
}

// NewProber creates a Prober.
func NewProber(cfg Config) *Prober {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		timeout:    timeout,
		extraPaths: cfg.ExtraPaths,
		logger:     logger.With("component", "Prober"),
	}
}

// Probe returns the status of the named dependencies in the base lookup
// environment, using the cache when it is warm. Unrecognized names are
// ignored.
func (p *Prober) Probe(ctx context.Context, names ...Name) (Result, error) {
	return p.ProbeIn(ctx, nil, names...)
}

// ProbeIn probes with extra lookup directories searched before everything
// else. An instance whose environment overrides PATH passes those entries
// here so the gate and the synthesized environment agree on which binaries
// the instance will actually run.
func (p *Prober) ProbeIn(ctx context.Context, dirs []string, names ...Name) (Result, error) {
	if len(names) == 0 {
		names = Known()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache == nil {
		p.cache = make(map[string]Result)
	}
	key := strings.Join(dirs, string(os.PathListSeparator))
	cached, ok := p.cache[key]
	if !ok {
		cached = make(Result)
		p.cache[key] = cached
	}

	out := make(Result, len(names))
	for _, name := range names {
		if _, ok := known[name]; !ok {
			continue
		}
		st, ok := cached[name]
		if !ok {
			st = p.probeOne(ctx, name, dirs)
			cached[name] = st
		}
		out[name] = st
	}
	return out, ctx.Err()
}

// Invalidate drops cached results. Called on manual refresh and whenever an
// instance's environment changes.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.cache = nil
	p.mu.Unlock()
	p.logger.Debug("Probe cache invalidated")
}

// probeOne locates and version-queries a single dependency.
func (p *Prober) probeOne(ctx context.Context, name Name, dirs []string) Status {
	sp := known[name]

	path := p.lookup(string(name), dirs)
	if path == "" {
		p.logger.Debug("Dependency not found", "name", name)
		return Status{Present: false}
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(queryCtx, path, sp.versionArgs...).CombinedOutput()
	if err != nil {
		// The tool exists but would not answer the version query (slow
		// start, odd flags). That is "present, version unknown", a
		// false absence would wrongly block instance starts.
		p.logger.Warn("Dependency version query failed",
			"name", name, "path", path, "error", err)
		return Status{Present: true, Path: path}
	}

	version := sp.parse(string(out))
	if version == "" {
		p.logger.Warn("Dependency version unparseable",
			"name", name, "output", strings.TrimSpace(string(out)))
	}
	return Status{Present: true, Version: version, Path: path}
}

// lookup finds an executable: per-call directories first, then the global
// override directories, then PATH.
func (p *Prober) lookup(tool string, dirs []string) string {
	for _, dir := range append(append([]string{}, dirs...), p.extraPaths...) {
		candidate := filepath.Join(dir, tool)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate
		}
	}
	path, err := exec.LookPath(tool)
	if err != nil {
		return ""
	}
	return path
}

// parseVPrefixed handles "v22.12.0" style output (node).
func parseVPrefixed(out string) string {
	token := firstToken(out)
	return strings.TrimPrefix(token, "v")
}

// parseFirstNumeric handles bare "9.1.0" style output (pnpm).
func parseFirstNumeric(out string) string {
	token := firstToken(out)
	if isNumericVersion(token) {
		return token
	}
	return ""
}

// parseLastNumeric handles "git version 2.43.0" and "Python 3.12.1" style
// output: the version is the last numeric-looking token on the first line.
func parseLastNumeric(out string) string {
	line := firstLine(out)
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		if isNumericVersion(fields[i]) {
			return fields[i]
		}
	}
	return ""
}

func firstLine(out string) string {
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		out = out[:idx]
	}
	return strings.TrimSpace(out)
}

func firstToken(out string) string {
	fields := strings.Fields(firstLine(out))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// isNumericVersion reports whether s looks like a dotted version number.
func isNumericVersion(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			digits++
		case ch == '.':
		default:
			return false
		}
	}
	return digits > 0
}
