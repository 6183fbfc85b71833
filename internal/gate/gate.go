// Package gate bounds how many executions run at once.
//
// ADMISSION:
// A Gate holds Limit permits. With the "wait" policy a request that finds no
// free permit queues in FIFO order for at most MaxWait, and at most MaxQueue
// requests may queue at once; anything beyond that is turned away with
// apperror.ErrBusy. With the "reject" policy a request is turned away
// immediately. Either way a rejected request has allocated nothing, which is
// why the gate sits in front of workspace creation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sakif/runbox/internal/apperror"
)

// Policy decides what happens when every permit is taken.
type Policy string

const (
	PolicyWait   Policy = "wait"
	PolicyReject Policy = "reject"
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyWait, "":
		return PolicyWait, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown admission policy %q (want %q or %q)", s, PolicyWait, PolicyReject)
	}
}

// Queueing is always bounded under PolicyWait.
const (
	DefaultMaxWait  = 10 * time.Second
	DefaultMaxQueue = 64
)

// Config controls admission.
type Config struct {
	// Limit is the number of concurrent executions. Zero means runtime.NumCPU().
	Limit int
	Policy Policy
	// MaxWait bounds queueing under PolicyWait. Zero means DefaultMaxWait.
	MaxWait time.Duration
	// MaxQueue caps the number of queued callers. Zero means DefaultMaxQueue.
	MaxQueue int
}

// Gate is a counting semaphore with observable occupancy.
type Gate struct {
	sem    *semaphore.Weighted
	config Config

	inFlight atomic.Int64
	waiting  atomic.Int64
	peak     atomic.Int64
	rejected atomic.Int64
}

// New builds a gate. Invalid fields fall back to defaults.
func New(cfg Config) *Gate {
	if cfg.Limit <= 0 {
		cfg.Limit = runtime.NumCPU()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	return &Gate{
		sem:    semaphore.NewWeighted(int64(cfg.Limit)),
		config: cfg,
	}
}

// Permit is proof of admission. Release it exactly once; extra calls are no-ops.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit to the gate.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.inFlight.Add(-1)
		p.gate.sem.Release(1)
	})
}

// Acquire admits the caller or returns an error wrapping apperror.ErrBusy.
// If ctx ends while queued, ctx's error is returned instead.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if g.sem.TryAcquire(1) {
		return g.admit(), nil
	}

	if g.config.Policy == PolicyReject {
		return nil, g.reject("server is at capacity, try again shortly")
	}

	if n := g.waiting.Add(1); n > int64(g.config.MaxQueue) {
		g.waiting.Add(-1)
		return nil, g.reject("too many executions are queued, try again shortly")
	}
	defer g.waiting.Add(-1)

	waitCtx, cancel := context.WithTimeout(ctx, g.config.MaxWait)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("waiting for execution slot: %w", ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, g.reject(fmt.Sprintf("no execution slot freed up within %s", g.config.MaxWait))
		}
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}
	return g.admit(), nil
}

func (g *Gate) admit() *Permit {
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &Permit{gate: g}
}

func (g *Gate) reject(msg string) error {
	g.rejected.Add(1)
	return apperror.Busy(msg)
}

// Limit returns the configured number of permits.
func (g *Gate) Limit() int { return g.config.Limit }

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int64 { return g.inFlight.Load() }

// Waiting returns the number of callers queued for a permit.
func (g *Gate) Waiting() int64 { return g.waiting.Load() }

// Peak returns the highest InFlight value observed since start.
func (g *Gate) Peak() int64 { return g.peak.Load() }

// Rejected returns how many callers were turned away.
func (g *Gate) Rejected() int64 { return g.rejected.Load() }
