package subagents

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinhnx/vtcode/pkg/logger"
)

// DefaultTimeout is the per-instance execution budget used to compute the
// staleness window (stale = older than 2x this) when no override is given.
const DefaultTimeout = 5 * time.Minute

// InstanceTrackerConfig bounds how many subagents may run at once and how
// fast new ones may be admitted.
type InstanceTrackerConfig struct {
	// MaxConcurrent caps simultaneously running instances. Zero means
	// unlimited.
	MaxConcurrent int
	// SpawnRatePerMinute caps how many new instances may be admitted per
	// minute, smoothing bursts the way the teacher's ratelimit package
	// does for other noisy operations. Zero means unlimited.
	SpawnRatePerMinute int
	// Timeout overrides DefaultTimeout for the staleness computation.
	Timeout time.Duration
}

// InstanceTracker tracks running subagent instances, enforces the
// concurrency and spawn-rate admission controls, and periodically sweeps
// stale entries left behind by callers that never reported completion.
type InstanceTracker struct {
	mu        sync.Mutex
	instances map[string]*Instance
	cfg       InstanceTrackerConfig
	limiter   *rate.Limiter
}

// NewInstanceTracker builds a tracker. A zero-value SpawnRatePerMinute
// disables the limiter (rate.Inf).
func NewInstanceTracker(cfg InstanceTrackerConfig) *InstanceTracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	limit := rate.Inf
	burst := 1
	if cfg.SpawnRatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.SpawnRatePerMinute) / 60.0)
		burst = cfg.SpawnRatePerMinute
	}

	return &InstanceTracker{
		instances: make(map[string]*Instance),
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// Admit sweeps stale entries, then admits a new instance for agentName if
// both the concurrency cap and the spawn-rate limiter allow it. On success
// it returns the newly tracked Instance; otherwise it returns an error
// naming which control rejected it.
func (t *InstanceTracker) Admit(ctx context.Context, agentName string) (*Instance, error) {
	t.sweep()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxConcurrent > 0 && t.runningLocked() >= t.cfg.MaxConcurrent {
		return nil, fmt.Errorf("subagent concurrency limit reached (%d running)", t.cfg.MaxConcurrent)
	}
	if !t.limiter.Allow() {
		return nil, fmt.Errorf("subagent spawn rate limit exceeded")
	}

	inst := &Instance{
		ID:        newInstanceID(),
		AgentName: agentName,
		Started:   time.Now(),
		State:     InstanceRunning,
	}
	t.instances[inst.ID] = inst

	logger.InfoCF("subagents", "instance admitted", map[string]any{
		"id":    inst.ID,
		"agent": agentName,
	})
	return inst, nil
}

// Complete marks an instance finished, successfully or not.
func (t *InstanceTracker) Complete(id string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[id]
	if !ok {
		return
	}
	if failed {
		inst.State = InstanceFailed
	} else {
		inst.State = InstanceCompleted
	}
}

// Running returns the count of currently running instances.
func (t *InstanceTracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

func (t *InstanceTracker) runningLocked() int {
	n := 0
	for _, inst := range t.instances {
		if inst.State == InstanceRunning {
			n++
		}
	}
	return n
}

// sweep removes instances whose State is no longer Running and that
// are older than 2x the configured timeout, preventing unbounded growth of
// the instance map across a long session. Still-running instances are
// never swept, however old — only the tracker's caller can mark them
// Complete.
func (t *InstanceTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-2 * t.cfg.Timeout)
	for id, inst := range t.instances {
		if inst.State == InstanceRunning {
			continue
		}
		if inst.Started.Before(cutoff) {
			delete(t.instances, id)
		}
	}
}

// newInstanceID returns a millisecond-timestamp id with a 4-decimal-digit
// random suffix, per the registry's instance-naming convention.
func newInstanceID() string {
	return fmt.Sprintf("%d-%04d", time.Now().UnixMilli(), rand.Intn(10000))
}
