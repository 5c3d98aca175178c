package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/circuitbreaker"
)

// Breakers is a process-wide set of per-capability circuit breakers. Every
// request's scheduler shares one set so failure counts aggregate across
// requests instead of resetting per run.
type Breakers struct {
	mu     sync.Mutex
	config circuitbreaker.Config
	logger *zap.Logger
	byTag  map[string]*circuitbreaker.Breaker
}

// NewBreakers builds the set. Breakers are created lazily the first time a
// task for a capability is dispatched.
func NewBreakers(config circuitbreaker.Config, logger *zap.Logger) *Breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		config: config,
		logger: logger,
		byTag:  make(map[string]*circuitbreaker.Breaker),
	}
}

// For returns the breaker guarding the capability, creating it on first use.
func (b *Breakers) For(tag string) *circuitbreaker.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byTag[tag]
	if !ok {
		br = circuitbreaker.New(tag, b.config, b.logger)
		b.byTag[tag] = br
	}
	return br
}
