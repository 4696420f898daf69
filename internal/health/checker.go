// Package health provides periodic health checks with auto-recovery.
// The daemon runs the state store ping, the ledger conservation audit and
// a data directory check every interval.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/infra/metrics"
)

// DefaultInterval is how often Run repeats the checks.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the SQLite state store.
type Pinger interface {
	Ping() error
}

// Auditor runs the ledger conservation audit.
type Auditor interface {
	Audit() []domain.AssetAudit
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker. db may be nil when the market runs
// without a state store; its check is then omitted.
func NewChecker(db Pinger, auditor Auditor, dataDir string) *Checker {
	c := &Checker{interval: DefaultInterval}
	if db != nil {
		c.checks = append(c.checks, Check{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return db.Ping()
			},
			RecoverFn: func(ctx context.Context) error {
				return nil // SQLite auto-recovers via WAL
			},
		})
	}
	c.checks = append(c.checks,
		Check{
			Name: "ledger_audit",
			CheckFn: func(ctx context.Context) error {
				return checkAudit(auditor.Audit())
			},
			RecoverFn: func(ctx context.Context) error {
				// Nothing to repair automatically; refresh the gauges so
				// the broken asset shows up on /metrics.
				metrics.ObserveAudit(auditor.Audit())
				return nil
			},
		},
		Check{
			Name: "data_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDataDir(dataDir)
			},
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(dataDir, 0700)
			},
		},
	)
	return c
}

// SetInterval overrides the check period.
func (c *Checker) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				_ = check.RecoverFn(ctx)
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// RunOnce runs every check synchronously and returns the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	c.runAll(ctx)
	return c.Statuses()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkAudit(audits []domain.AssetAudit) error {
	for _, a := range audits {
		if !a.OK {
			return fmt.Errorf("asset %q: held %d+%d, deposited %d, withdrawn %d",
				a.Asset, a.Available, a.Locked, a.Deposited, a.Withdrawn)
		}
	}
	return nil
}

func checkDataDir(dir string) error {
	if dir == "" {
		return nil // in-memory market
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}
