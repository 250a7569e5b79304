package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Chaos holds per-region fault injection: partitions make calls fail with
// Unavailable, latency delays them, and failing regions settle clusters
// into Failed.
type Chaos struct {
	mu          sync.RWMutex
	partitioned map[string]bool
	latency     map[string]time.Duration
	failing     map[string]bool
}

func NewChaos() *Chaos {
	return &Chaos{
		partitioned: make(map[string]bool),
		latency:     make(map[string]time.Duration),
		failing:     make(map[string]bool),
	}
}

func (c *Chaos) Partition(region string) {
	c.mu.Lock()
	c.partitioned[region] = true
	c.mu.Unlock()
}

func (c *Chaos) SetLatency(region string, d time.Duration) {
	c.mu.Lock()
	c.latency[region] = d
	c.mu.Unlock()
}

func (c *Chaos) Fail(region string) {
	c.mu.Lock()
	c.failing[region] = true
	c.mu.Unlock()
}

// Heal clears every fault injected for region.
func (c *Chaos) Heal(region string) {
	c.mu.Lock()
	delete(c.partitioned, region)
	delete(c.latency, region)
	delete(c.failing, region)
	c.mu.Unlock()
}

func (c *Chaos) Partitioned(region string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partitioned[region]
}

func (c *Chaos) Latency(region string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency[region]
}

func (c *Chaos) Failing(region string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failing[region]
}

// Apply delays the call by the region's injected latency and rejects it
// when the region is partitioned.
func (c *Chaos) Apply(ctx context.Context, region string) error {
	if d := c.Latency(region); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return status.FromContextError(ctx.Err()).Err()
		case <-t.C:
		}
	}
	if c.Partitioned(region) {
		return status.Errorf(codes.Unavailable, "region %s partitioned", region)
	}
	return nil
}
