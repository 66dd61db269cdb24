package udpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertAndGet(t *testing.T) {
	r := newConnectionRegistry()
	id := ConnectionId{Port: 1000}
	cs := newHandshakingConnection(id, 42, false, nil, nil, time.Now())
	r.insert(id, cs)

	got, ok := r.get(id)
	require.True(t, ok)
	require.Same(t, cs, got)

	gotID, gotCS, ok := r.getByConnID(42)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Same(t, cs, gotCS)
}

func TestRegistry_SharedAddressDifferentPorts(t *testing.T) {
	r := newConnectionRegistry()
	idA := ConnectionId{Port: 1}
	idB := ConnectionId{Port: 2}
	r.insert(idA, newHandshakingConnection(idA, 1, false, nil, nil, time.Now()))
	r.insert(idB, newHandshakingConnection(idB, 2, false, nil, nil, time.Now()))

	require.Len(t, r.list(), 2)
	require.Len(t, r.byAddr[idA.addrKey()], 2)
}

func TestRegistry_RemoveClearsAllThreeMaps(t *testing.T) {
	r := newConnectionRegistry()
	id := ConnectionId{Port: 7}
	r.insert(id, newHandshakingConnection(id, 99, false, nil, nil, time.Now()))

	r.remove(id)
	_, ok := r.get(id)
	require.False(t, ok)
	_, _, ok = r.getByConnID(99)
	require.False(t, ok)
	require.False(t, r.idInUse(99))
}

func TestRegistry_StageDeleteAndFlush(t *testing.T) {
	r := newConnectionRegistry()
	id := ConnectionId{Port: 7}
	r.insert(id, newHandshakingConnection(id, 1, false, nil, nil, time.Now()))

	r.stageDelete(id, false)
	require.True(t, r.isStagedForDelete(id))

	var removed []ConnectionId
	r.flushDeletions(func(removedID ConnectionId, cs *ConnectionState) {
		removed = append(removed, removedID)
	})
	require.Equal(t, []ConnectionId{id}, removed)
	_, ok := r.get(id)
	require.False(t, ok)
}

func TestRegistry_StageDeleteDropAllWithAddr(t *testing.T) {
	r := newConnectionRegistry()
	idA := ConnectionId{Port: 1}
	idB := ConnectionId{Port: 2}
	r.insert(idA, newHandshakingConnection(idA, 1, false, nil, nil, time.Now()))
	r.insert(idB, newHandshakingConnection(idB, 2, false, nil, nil, time.Now()))

	r.stageDelete(idA, true)
	require.True(t, r.isStagedForDelete(idA))
	require.True(t, r.isStagedForDelete(idB))
}

func TestRegistry_AllocateConnectionIDAvoidsCollision(t *testing.T) {
	r := newConnectionRegistry()
	r.byConnID[5] = ConnectionId{Port: 1}
	rng := newSeededRNG(1)

	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		id := rng.allocateConnectionID(r.idInUse)
		require.NotEqual(t, uint32(5), id)
		seen[id] = struct{}{}
	}
}

func TestRegistry_StageDeleteMarksDisconnectPending(t *testing.T) {
	r := newConnectionRegistry()
	est := ConnectionId{Port: 1}
	init := ConnectionId{Port: 2}
	csEst := newHandshakingConnection(est, 1, false, nil, nil, time.Now())
	csEst.markEstablished(time.Now())
	csInit := newInitiatingConnection(init, false, nil, nil, time.Now())
	r.insert(est, csEst)
	r.insert(init, csInit)

	r.stageDelete(est, false)
	r.stageDelete(init, false)
	require.Equal(t, StateDisconnectPending, csEst.state)
	require.Equal(t, StateInitiating, csInit.state, "a connection that never left Initiating keeps its state")
}
