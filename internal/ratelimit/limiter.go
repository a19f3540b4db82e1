// Package ratelimit hands out one token bucket per caller.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
)

type Pool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

// NewPool returns a limiter pool. Non-positive values fall back to 5 rps with a burst of 10.
func NewPool(rps float64, burst int) *Pool {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Pool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Size is the number of distinct keys seen so far.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
