// Package registry tracks worker capability profiles: concurrency limits,
// rate limits, and the EWMA quality score the scheduler consults for
// dispatch decisions.
//
// Concurrency note: per-tag in-flight counters are plain atomics because
// every dispatch goroutine touches them; everything else is guarded by a
// single RWMutex on the profile map.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
)

const (
	// DefaultConcurrency applies to capability tags the configuration never
	// declared but a graph builder emitted anyway.
	DefaultConcurrency = 2
	// DefaultInitialScore is the EWMA starting point for unseen capabilities.
	DefaultInitialScore = 0.5
)

// Options tunes registry behavior.
type Options struct {
	// EWMAAlpha weighs the newest quality sample; 0 falls back to 0.3.
	EWMAAlpha float64
	// DefaultConcurrency for auto-registered tags; 0 falls back to 2.
	DefaultConcurrency int
}

// Registry owns every capability profile. Profiles are read-only to the
// scheduler; HistoricalScore moves only through UpdateScore, which the
// quality gate calls after each completed task.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*capability
	alpha    float64
	defaultC int
	logger   *zap.Logger
}

// capability is the registry's internal view of one profile.
type capability struct {
	tag            string
	maxConcurrency int64
	score          float64
	inFlight       atomic.Int64
	limiter        *rate.Limiter
}

// New creates a registry pre-populated with the given profiles.
func New(profiles []models.CapabilityProfile, logger *zap.Logger) *Registry {
	return NewWithOptions(profiles, Options{}, logger)
}

// NewWithOptions creates a registry with explicit tuning.
func NewWithOptions(profiles []models.CapabilityProfile, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EWMAAlpha <= 0 || opts.EWMAAlpha > 1 {
		opts.EWMAAlpha = 0.3
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = DefaultConcurrency
	}
	r := &Registry{
		profiles: make(map[string]*capability),
		alpha:    opts.EWMAAlpha,
		defaultC: opts.DefaultConcurrency,
		logger:   logger,
	}
	r.Apply(profiles)
	return r
}

// Apply replaces or adds profiles, preserving learned scores and in-flight
// counts for tags that already exist. Used at startup and by config hot
// reload.
func (r *Registry) Apply(profiles []models.CapabilityProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		if p.Tag == "" {
			continue
		}
		maxC := int64(p.MaxConcurrency)
		if maxC <= 0 {
			maxC = int64(r.defaultC)
		}
		existing, ok := r.profiles[p.Tag]
		if ok {
			existing.maxConcurrency = maxC
			existing.limiter = limiterFor(p)
			r.logger.Info("Capability profile updated",
				zap.String("tag", p.Tag),
				zap.Int64("max_concurrency", maxC),
			)
			continue
		}
		score := p.HistoricalScore
		if score <= 0 {
			score = DefaultInitialScore
		}
		r.profiles[p.Tag] = &capability{
			tag:            p.Tag,
			maxConcurrency: maxC,
			score:          score,
			limiter:        limiterFor(p),
		}
		metrics.CapabilityScore.WithLabelValues(p.Tag).Set(score)
	}
}

func limiterFor(p models.CapabilityProfile) *rate.Limiter {
	if p.RatePerSecond <= 0 {
		return nil
	}
	burst := p.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
}

// Ensure registers an unknown tag with defaults so graph builders may emit
// capability tags the configuration never listed.
func (r *Registry) Ensure(tag string) {
	r.mu.RLock()
	_, ok := r.profiles[tag]
	r.mu.RUnlock()
	if ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[tag]; ok {
		return
	}
	r.profiles[tag] = &capability{
		tag:            tag,
		maxConcurrency: int64(r.defaultC),
		score:          DefaultInitialScore,
	}
	r.logger.Info("Auto-registered capability", zap.String("tag", tag))
	metrics.CapabilityScore.WithLabelValues(tag).Set(DefaultInitialScore)
}

// TryAcquire claims one concurrency slot for the tag. limit overrides the
// profile's MaxConcurrency when positive (per-request parallelism). Returns
// false when the capability is saturated.
func (r *Registry) TryAcquire(tag string, limit int) bool {
	c := r.get(tag)
	if c == nil {
		return false
	}
	maxC := c.maxConcurrency
	if limit > 0 && int64(limit) < maxC {
		maxC = int64(limit)
	}
	for {
		cur := c.inFlight.Load()
		if cur >= maxC {
			return false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			metrics.ActiveWorkers.WithLabelValues(tag).Inc()
			return true
		}
	}
}

// Release returns one concurrency slot for the tag.
func (r *Registry) Release(tag string) {
	c := r.get(tag)
	if c == nil {
		return
	}
	if c.inFlight.Add(-1) < 0 {
		// Balance bug; clamp rather than plumb a negative gauge around.
		c.inFlight.Store(0)
		r.logger.Warn("Release without matching acquire", zap.String("tag", tag))
	}
	metrics.ActiveWorkers.WithLabelValues(tag).Dec()
}

// InFlight returns the number of currently dispatched tasks for the tag.
func (r *Registry) InFlight(tag string) int {
	c := r.get(tag)
	if c == nil {
		return 0
	}
	return int(c.inFlight.Load())
}

// WaitRate blocks until the tag's rate limiter admits one dispatch, or the
// context is cancelled. Tags without a configured rate pass immediately.
func (r *Registry) WaitRate(ctx context.Context, tag string) error {
	c := r.get(tag)
	if c == nil || c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait for %s: %w", tag, err)
	}
	return nil
}

// UpdateScore folds one quality sample into the tag's EWMA. Only the quality
// gate calls this.
func (r *Registry) UpdateScore(tag string, sample float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.profiles[tag]
	if !ok {
		return 0
	}
	c.score = r.alpha*sample + (1-r.alpha)*c.score
	metrics.CapabilityScore.WithLabelValues(tag).Set(c.score)
	return c.score
}

// Score returns the tag's current EWMA quality score.
func (r *Registry) Score(tag string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.profiles[tag]; ok {
		return c.score
	}
	return 0
}

// Profile returns a copy of the tag's profile.
func (r *Registry) Profile(tag string) (models.CapabilityProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.profiles[tag]
	if !ok {
		return models.CapabilityProfile{}, false
	}
	return r.export(c), true
}

// Snapshot returns a copy of every registered profile.
func (r *Registry) Snapshot() []models.CapabilityProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CapabilityProfile, 0, len(r.profiles))
	for _, c := range r.profiles {
		out = append(out, r.export(c))
	}
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

func (r *Registry) export(c *capability) models.CapabilityProfile {
	p := models.CapabilityProfile{
		Tag:             c.tag,
		MaxConcurrency:  int(c.maxConcurrency),
		HistoricalScore: c.score,
	}
	if c.limiter != nil {
		p.RatePerSecond = float64(c.limiter.Limit())
		p.Burst = c.limiter.Burst()
	}
	return p
}

func (r *Registry) get(tag string) *capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[tag]
}
