package resilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// ServiceHealthSnapshot is the cached result of a lightweight upstream probe.
type ServiceHealthSnapshot struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
}

type healthCacheEntry struct {
	snapshot  ServiceHealthSnapshot
	expiresAt time.Time
}

// HealthGate caches checkServiceHealth results per upstream name, following
// core.MemoryStore's mutex-guarded map-with-TTL shape but specialized to
// ServiceHealthSnapshot instead of a string value.
type HealthGate struct {
	mu         sync.RWMutex
	entries    map[string]healthCacheEntry
	cacheTTL   time.Duration
	probeTimeout time.Duration
	client     *http.Client
	logger     core.Logger
}

// DefaultHealthCacheTTL is checkServiceHealth's cacheTtlMs default.
const DefaultHealthCacheTTL = 4 * time.Second

// DefaultHealthProbeTimeout is the default GET/HEAD probe timeout.
const DefaultHealthProbeTimeout = 2500 * time.Millisecond

// NewHealthGate builds a health gate with the spec defaults. Pass 0 to use
// the default for either duration.
func NewHealthGate(cacheTTL, probeTimeout time.Duration) *HealthGate {
	if cacheTTL <= 0 {
		cacheTTL = DefaultHealthCacheTTL
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultHealthProbeTimeout
	}
	return &HealthGate{
		entries:      make(map[string]healthCacheEntry),
		cacheTTL:     cacheTTL,
		probeTimeout: probeTimeout,
		client:       &http.Client{Timeout: probeTimeout},
		logger:       &core.NoOpLogger{},
	}
}

// SetLogger installs a logger, tagging it with the resilience component when supported.
func (h *HealthGate) SetLogger(logger core.Logger) {
	if logger == nil {
		h.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		h.logger = cal.WithComponent("runtime/resilience")
		return
	}
	h.logger = logger
}

// CheckServiceHealth returns the cached snapshot for name if it's still
// fresh, otherwise probes url with GET and refreshes the cache.
func (h *HealthGate) CheckServiceHealth(ctx context.Context, name, url string) ServiceHealthSnapshot {
	h.mu.RLock()
	entry, ok := h.entries[name]
	h.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.snapshot
	}

	snapshot := h.probe(ctx, url)

	h.mu.Lock()
	h.entries[name] = healthCacheEntry{snapshot: snapshot, expiresAt: time.Now().Add(h.cacheTTL)}
	h.mu.Unlock()

	return snapshot
}

func (h *HealthGate) probe(ctx context.Context, url string) ServiceHealthSnapshot {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return ServiceHealthSnapshot{Healthy: false, CheckedAt: start, Error: err.Error()}
	}

	resp, err := h.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		h.logger.Debug("health probe failed", map[string]interface{}{"url": url, "error": err.Error()})
		return ServiceHealthSnapshot{Healthy: false, CheckedAt: start, LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 500
	return ServiceHealthSnapshot{Healthy: healthy, CheckedAt: start, LatencyMs: latency}
}

// Invalidate drops a cached entry, forcing the next check to re-probe.
func (h *HealthGate) Invalidate(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, name)
}
