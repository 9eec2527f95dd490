package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stoneforge/stoneforge/internal/common/config"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

func testPool() *Pool {
	return New(config.PoolConfig{
		MaxEphemeralWorkers:  2,
		MaxPersistentWorkers: 1,
		MaxMergeStewards:     1,
		MaxHealthStewards:    1,
	}, nil)
}

func ephemeral(id string) SpawnRequest {
	return SpawnRequest{AgentID: id, Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral}
}

func TestPoolCapsEnforced(t *testing.T) {
	p := testPool()

	assert.True(t, p.CanSpawn(ephemeral("w1")))
	p.OnAgentSpawned(ephemeral("w1"))
	assert.True(t, p.CanSpawn(ephemeral("w2")))
	p.OnAgentSpawned(ephemeral("w2"))

	// Bucket full.
	assert.False(t, p.CanSpawn(ephemeral("w3")))

	// Other buckets unaffected.
	merge := SpawnRequest{AgentID: "s1", Role: v1.RoleSteward, StewardFocus: v1.StewardFocusMerge}
	assert.True(t, p.CanSpawn(merge))
}

func TestPoolExitReleasesSlot(t *testing.T) {
	p := testPool()

	p.OnAgentSpawned(ephemeral("w1"))
	p.OnAgentSpawned(ephemeral("w2"))
	assert.False(t, p.CanSpawn(ephemeral("w3")))

	p.OnAgentExited("w1")
	assert.True(t, p.CanSpawn(ephemeral("w3")))
}

func TestPoolSpawnIdempotentPerAgent(t *testing.T) {
	p := testPool()

	p.OnAgentSpawned(ephemeral("w1"))
	p.OnAgentSpawned(ephemeral("w1"))

	// Double-spawn of the same agent consumes one slot.
	assert.True(t, p.CanSpawn(ephemeral("w2")))
	p.OnAgentSpawned(ephemeral("w2"))
	assert.False(t, p.CanSpawn(ephemeral("w3")))

	// A live agent may always respawn.
	assert.True(t, p.CanSpawn(ephemeral("w1")))
}

func TestPoolUnknownExitIsNoop(t *testing.T) {
	p := testPool()
	p.OnAgentExited("ghost")

	snapshot := p.Snapshot()
	for _, usage := range snapshot {
		assert.Equal(t, 0, usage.Live)
	}
}
