package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/toolgate/internal/expiry"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxColdStartTools   = 20
	DefaultConcurrency         = 4
	DefaultDiscoveryInterval   = 5 * time.Minute
	DefaultSchemaCheckInterval = 15 * time.Minute
	DefaultCacheTTL            = 10 * time.Minute
	DefaultProbeTimeout        = 5 * time.Second
)

// Config bounds discovery work.
type Config struct {
	MaxColdStartTools   int
	Concurrency         int
	DiscoveryInterval   time.Duration
	SchemaCheckInterval time.Duration
	CacheTTL            time.Duration
	ProbeTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxColdStartTools <= 0 {
		c.MaxColdStartTools = DefaultMaxColdStartTools
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.SchemaCheckInterval <= 0 {
		c.SchemaCheckInterval = DefaultSchemaCheckInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// Prober checks that one tool is reachable.
type Prober interface {
	Probe(ctx context.Context, spec ToolSpec) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, spec ToolSpec) error

func (f ProberFunc) Probe(ctx context.Context, spec ToolSpec) error { return f(ctx, spec) }

// HTTPProber issues a GET to the tool endpoint. Tools without an endpoint
// run in-process and are always healthy. Any status below 500 counts as
// reachable.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, spec ToolSpec) error {
	if spec.Endpoint == "" {
		return nil
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Monitor tracks tool health, caches specs and watches for schema drift.
type Monitor struct {
	cfg    Config
	prober Prober
	clock  expiry.Clock
	logger *zap.Logger

	mu              sync.Mutex
	cache           map[string]CachedToolSpec
	signatures      map[string]SchemaSignature
	lastDiscovery   time.Time
	lastSchemaCheck time.Time
	// cursor is where the next capped discovery pass starts.
	cursor int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(c expiry.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.logger = l } }

// NewMonitor creates a monitor. A nil prober uses HTTPProber.
func NewMonitor(prober Prober, cfg Config, opts ...Option) *Monitor {
	if prober == nil {
		prober = HTTPProber{}
	}
	m := &Monitor{
		cfg:        cfg.withDefaults(),
		prober:     prober,
		clock:      expiry.SystemClock,
		logger:     zap.NewNop(),
		cache:      make(map[string]CachedToolSpec),
		signatures: make(map[string]SchemaSignature),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// DiscoverTools probes specs with bounded concurrency. At most
// MaxColdStartTools specs are probed per pass; the rest are skipped and
// absent from the result. Capped passes rotate through the list, so every
// tool is probed within ceil(len/MaxColdStartTools) passes. Healthy tools
// are cached with the configured TTL.
func (m *Monitor) DiscoverTools(ctx context.Context, specs []ToolSpec) (map[string]HealthCheckResult, error) {
	if n, limit := len(specs), m.cfg.MaxColdStartTools; n > limit {
		m.mu.Lock()
		start := m.cursor % n
		m.cursor = (start + limit) % n
		m.mu.Unlock()

		window := make([]ToolSpec, 0, limit)
		for i := 0; i < limit; i++ {
			window = append(window, specs[(start+i)%n])
		}
		m.logger.Info("discovery capped",
			zap.Int("tools", n),
			zap.Int("probed", limit),
			zap.Int("offset", start))
		specs = window
	}

	results := make(map[string]HealthCheckResult, len(specs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, spec := range specs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := m.probe(gctx, spec)
			mu.Lock()
			results[spec.Name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("registry: discovery: %w", err)
	}

	m.mu.Lock()
	m.lastDiscovery = m.clock()
	m.mu.Unlock()

	for _, spec := range specs {
		if results[spec.Name].Status == Healthy {
			m.CacheToolSpec(spec, m.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (m *Monitor) probe(ctx context.Context, spec ToolSpec) HealthCheckResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(pctx, spec)
	r := HealthCheckResult{
		Tool:      spec.Name,
		Status:    Healthy,
		Latency:   time.Since(start),
		CheckedAt: m.clock(),
	}
	if err != nil {
		r.Status = Unhealthy
		r.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			r.Error = "probe timed out after " + m.cfg.ProbeTimeout.String()
		}
		m.logger.Warn("tool probe failed", zap.String("tool", spec.Name), zap.Error(err))
	}
	return r
}

// CacheToolSpec holds spec for ttl. A zero ttl is already expired.
func (m *Monitor) CacheToolSpec(spec ToolSpec, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[spec.Name] = CachedToolSpec{Spec: spec, CachedAt: m.clock(), TTL: ttl}
}

// CachedToolSpec returns the cached spec for name unless its TTL elapsed.
// Expired entries are dropped on read.
func (m *Monitor) CachedToolSpec(name string) (ToolSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[name]
	if !ok {
		return ToolSpec{}, false
	}
	if expiry.After(c.CachedAt, c.TTL).Passed(m.clock()) {
		delete(m.cache, name)
		return ToolSpec{}, false
	}
	return c.Spec, true
}

// CaptureSchemaSignature compiles the tool's input schema and stores its hash
// as the baseline for drift checks.
func (m *Monitor) CaptureSchemaSignature(spec ToolSpec) (SchemaSignature, error) {
	sig, err := signatureOf(spec)
	if err != nil {
		return SchemaSignature{}, err
	}
	m.mu.Lock()
	m.signatures[spec.Name] = sig
	m.mu.Unlock()
	return sig, nil
}

// Signature returns the captured baseline for tool.
func (m *Monitor) Signature(tool string) (SchemaSignature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signatures[tool]
	return sig, ok
}

// CheckSchemaDrift compares spec against the captured baseline. It returns
// nil when nothing was captured or the hash is unchanged. The baseline is
// not replaced; capture again to accept a change.
func (m *Monitor) CheckSchemaDrift(spec ToolSpec) (*SchemaDrift, error) {
	m.mu.Lock()
	old, ok := m.signatures[spec.Name]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	current, err := signatureOf(spec)
	if err != nil {
		return nil, err
	}
	if current.SchemaHash == old.SchemaHash {
		return nil, nil
	}
	return &SchemaDrift{
		Tool:      spec.Name,
		OldHash:   old.SchemaHash,
		NewHash:   current.SchemaHash,
		OldSchema: old.Schema,
		NewSchema: current.Schema,
	}, nil
}

// CheckSchemas checks every spec for drift, capturing a baseline for tools
// seen for the first time, and records the check time.
func (m *Monitor) CheckSchemas(specs []ToolSpec) ([]SchemaDrift, error) {
	var drifts []SchemaDrift
	var errs []error
	for _, spec := range specs {
		if _, ok := m.Signature(spec.Name); !ok {
			if _, err := m.CaptureSchemaSignature(spec); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		d, err := m.CheckSchemaDrift(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d != nil {
			m.logger.Warn("schema drift detected",
				zap.String("tool", d.Tool),
				zap.String("old_hash", d.OldHash),
				zap.String("new_hash", d.NewHash))
			drifts = append(drifts, *d)
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Tool < drifts[j].Tool })

	m.mu.Lock()
	m.lastSchemaCheck = m.clock()
	m.mu.Unlock()
	return drifts, errors.Join(errs...)
}

// ShouldRunDiscovery reports whether DiscoveryInterval has elapsed since
// the last discovery pass. It is true before the first pass.
func (m *Monitor) ShouldRunDiscovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return due(m.lastDiscovery, m.cfg.DiscoveryInterval, m.clock())
}

// ShouldCheckSchemas reports whether SchemaCheckInterval has elapsed since
// the last schema check. It is true before the first check.
func (m *Monitor) ShouldCheckSchemas() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return due(m.lastSchemaCheck, m.cfg.SchemaCheckInterval, m.clock())
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return expiry.After(last, interval).Passed(now)
}

func signatureOf(spec ToolSpec) (SchemaSignature, error) {
	schema := spec.InputSchema
	if schema == nil {
		schema = map[string]any{}
	}
	if _, err := CompileSchema(spec.Name, schema); err != nil {
		return SchemaSignature{}, err
	}
	hash, err := HashSchema(schema)
	if err != nil {
		return SchemaSignature{}, err
	}
	return SchemaSignature{ToolName: spec.Name, SchemaHash: hash, Schema: schema}, nil
}

// Run checks on every tick whether discovery or a schema check is due and
// performs it against the current specs. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, tick time.Duration, specs func() []ToolSpec) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		if m.ShouldRunDiscovery() {
			results, err := m.DiscoverTools(ctx, specs())
			if err != nil && ctx.Err() == nil {
				m.logger.Error("discovery failed", zap.Error(err))
			}
			unhealthy := 0
			for _, r := range results {
				if r.Status != Healthy {
					unhealthy++
				}
			}
			m.logger.Info("discovery complete", zap.Int("probed", len(results)), zap.Int("unhealthy", unhealthy))
		}
		if m.ShouldCheckSchemas() {
			if _, err := m.CheckSchemas(specs()); err != nil {
				m.logger.Error("schema check failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
