package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meshclock "github.com/hashmesh/meshcore/internal/mesh/clock"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// TestMergeInstance_InsertsWhenAbsent covers §4.8 step 3's "local absent
// -> insert" branch.
func TestMergeInstance_InsertsWhenAbsent(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	remote := testInstance("a1", "auth")
	remote.Version = "1.0.0"
	inserted, updated, conflict := r.MergeInstance(remote)
	assert.True(t, inserted)
	assert.False(t, updated)
	assert.False(t, conflict)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
}

// TestMergeInstance_NewerHeartbeatWinsRegardlessOfVersion covers the
// primary precedence level: last_heartbeat_at outranks version entirely.
func TestMergeInstance_NewerHeartbeatWinsRegardlessOfVersion(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	local := testInstance("a1", "auth")
	local.Version = "2.0.0"
	local.LastHeartbeatAt = clk.Now()
	require.NoError(t, r.Register(local))

	remote := testInstance("a1", "auth")
	remote.Version = "1.0.0"
	remote.LastHeartbeatAt = clk.Now().Add(time.Second)
	inserted, updated, conflict := r.MergeInstance(remote)
	assert.False(t, inserted)
	assert.True(t, updated)
	assert.False(t, conflict)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
}

// TestMergeInstance_EqualHeartbeatTieBreaksOnVersion covers the second
// precedence level when heartbeats tie exactly.
func TestMergeInstance_EqualHeartbeatTieBreaksOnVersion(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	hb := clk.Now()
	local := testInstance("a1", "auth")
	local.Version = "1.0.0"
	local.LastHeartbeatAt = hb
	require.NoError(t, r.Register(local))

	remote := testInstance("a1", "auth")
	remote.Version = "2.0.0"
	remote.LastHeartbeatAt = hb
	inserted, updated, conflict := r.MergeInstance(remote)
	assert.False(t, inserted)
	assert.True(t, updated)
	assert.False(t, conflict)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)
}

// TestMergeInstance_FullTieKeepsLocal covers "Ties keep local": when both
// last_heartbeat_at and version are equal, the remote record is
// discarded and the local copy is left untouched.
func TestMergeInstance_FullTieKeepsLocal(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	hb := clk.Now()
	local := testInstance("a1", "auth")
	local.Version = "1.0.0"
	local.Address = "10.0.0.1"
	local.LastHeartbeatAt = hb
	require.NoError(t, r.Register(local))

	remote := testInstance("a1", "auth")
	remote.Version = "1.0.0"
	remote.Address = "10.0.0.99"
	remote.LastHeartbeatAt = hb
	inserted, updated, conflict := r.MergeInstance(remote)
	assert.False(t, inserted)
	assert.False(t, updated)
	assert.True(t, conflict)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)
}

// TestMergeInstance_StaleHeartbeatLosesRegardlessOfVersion is the mirror
// of the newer-heartbeat-wins case: an older remote heartbeat loses even
// when its version is higher.
func TestMergeInstance_StaleHeartbeatLosesRegardlessOfVersion(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	local := testInstance("a1", "auth")
	local.Version = "1.0.0"
	local.LastHeartbeatAt = clk.Now()
	require.NoError(t, r.Register(local))

	remote := testInstance("a1", "auth")
	remote.Version = "9.0.0"
	remote.LastHeartbeatAt = clk.Now().Add(-time.Second)
	_, _, conflict := r.MergeInstance(remote)
	assert.True(t, conflict)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestMergeInstance_RejectsEmptyInstanceID(t *testing.T) {
	clk := meshclock.NewFake(time.Now())
	r := newTestRegistry(clk)

	_, _, conflict := r.MergeInstance(&types.ServiceInstance{ServiceName: "auth"})
	assert.True(t, conflict)
}
