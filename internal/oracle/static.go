package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
)

// StaticSource is a settable in-memory price source for tests and the
// simulator. It serves the posted price for any timestamp and can be forced
// to fail to exercise stale-feed paths.
type StaticSource struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	failing bool
}

func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[string]decimal.Decimal)}
}

// SetPrice posts a price for a pair.
func (s *StaticSource) SetPrice(pair string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pair] = price
}

// SetFailing forces all reads to fail as stale.
func (s *StaticSource) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *StaticSource) CurrentPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	return s.read(pair)
}

func (s *StaticSource) HistoricalPrice(_ context.Context, pair string, _ time.Time) (decimal.Decimal, error) {
	return s.read(pair)
}

func (s *StaticSource) read(pair string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return decimal.Zero, fmt.Errorf("%w: %w: feed forced down", core.ErrDependency, core.ErrStalePrice)
	}
	price, ok := s.prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %w: no price for %s", core.ErrDependency, core.ErrStalePrice, pair)
	}
	return price, nil
}
