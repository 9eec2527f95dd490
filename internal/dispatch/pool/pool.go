// Package pool enforces concurrent-agent caps per role and subkind. Counters
// are process-local; a denied CanSpawn defers the dispatch to a later poll
// cycle with no state change.
package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/config"
	"github.com/stoneforge/stoneforge/internal/common/logger"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// slotKey identifies a capacity bucket.
type slotKey struct {
	role    v1.Role
	subkind string
}

// SpawnRequest describes the agent about to be spawned.
type SpawnRequest struct {
	AgentID      string
	Role         v1.Role
	WorkerMode   v1.WorkerMode
	StewardFocus v1.StewardFocus
}

// Usage is a snapshot of one bucket for observers.
type Usage struct {
	Role    v1.Role `json:"role"`
	Subkind string  `json:"subkind"`
	Live    int     `json:"live"`
	Cap     int     `json:"cap"`
}

// Pool tracks live sessions per capacity bucket.
type Pool struct {
	config config.PoolConfig
	logger *logger.Logger

	mu     sync.Mutex
	live   map[slotKey]int
	agents map[string]slotKey // agentID -> bucket, for exits
}

// New creates a pool with the configured caps.
func New(cfg config.PoolConfig, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		config: cfg,
		logger: log.WithFields(zap.String("component", "agent-pool")),
		live:   make(map[slotKey]int),
		agents: make(map[string]slotKey),
	}
}

func (p *Pool) key(req SpawnRequest) slotKey {
	switch req.Role {
	case v1.RoleWorker:
		return slotKey{role: v1.RoleWorker, subkind: string(req.WorkerMode)}
	case v1.RoleSteward:
		return slotKey{role: v1.RoleSteward, subkind: string(req.StewardFocus)}
	default:
		return slotKey{role: req.Role}
	}
}

func (p *Pool) capFor(key slotKey) int {
	switch key {
	case slotKey{role: v1.RoleWorker, subkind: string(v1.WorkerModeEphemeral)}:
		return p.config.MaxEphemeralWorkers
	case slotKey{role: v1.RoleWorker, subkind: string(v1.WorkerModePersistent)}:
		return p.config.MaxPersistentWorkers
	case slotKey{role: v1.RoleSteward, subkind: string(v1.StewardFocusMerge)}:
		return p.config.MaxMergeStewards
	case slotKey{role: v1.RoleSteward, subkind: string(v1.StewardFocusHealth)}:
		return p.config.MaxHealthStewards
	default:
		// The single director is never capped here.
		return 1
	}
}

// CanSpawn reports whether the bucket has a free slot. An agent already
// counted as live always answers true (restart path).
func (p *Pool) CanSpawn(req SpawnRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[req.AgentID]; ok {
		return true
	}

	key := p.key(req)
	limit := p.capFor(key)
	if p.live[key] >= limit {
		p.logger.Debug("pool at capacity",
			zap.String("role", string(key.role)),
			zap.String("subkind", key.subkind),
			zap.Int("live", p.live[key]),
			zap.Int("cap", limit))
		return false
	}
	return true
}

// OnAgentSpawned claims a slot for the agent.
func (p *Pool) OnAgentSpawned(req SpawnRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.agents[req.AgentID]; ok {
		return
	}
	key := p.key(req)
	p.live[key]++
	p.agents[req.AgentID] = key
}

// OnAgentExited releases the agent's slot. Unknown agents are a no-op.
func (p *Pool) OnAgentExited(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.agents[agentID]
	if !ok {
		return
	}
	delete(p.agents, agentID)
	if p.live[key] > 0 {
		p.live[key]--
	}
}

// Snapshot returns the live usage per bucket.
func (p *Pool) Snapshot() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	buckets := []slotKey{
		{role: v1.RoleWorker, subkind: string(v1.WorkerModeEphemeral)},
		{role: v1.RoleWorker, subkind: string(v1.WorkerModePersistent)},
		{role: v1.RoleSteward, subkind: string(v1.StewardFocusMerge)},
		{role: v1.RoleSteward, subkind: string(v1.StewardFocusHealth)},
	}
	out := make([]Usage, 0, len(buckets))
	for _, key := range buckets {
		out = append(out, Usage{
			Role:    key.role,
			Subkind: key.subkind,
			Live:    p.live[key],
			Cap:     p.capFor(key),
		})
	}
	return out
}
