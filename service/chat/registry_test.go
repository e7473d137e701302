package chat

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(id, user, room string) (*Connection, *fakeConn) {
	fc := newFakeConn()
	return &Connection{ID: id, UserID: user, Username: user, RoomID: room, Transport: fc}, fc
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	c, _ := newConn("c1", "alice", "r1")
	require.NoError(t, reg.Register(c))

	dup, _ := newConn("c1", "bob", "r2")
	assert.ErrorIs(t, reg.Register(dup), ErrDuplicateConnection)

	got, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegistryStatsOldestActivity(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(RegistryConf{})
	assert.True(t, reg.Stats().OldestActivity.IsZero())

	a, _ := newConn("a", "alice", "r1")
	a.CreatedAt = t0
	b, _ := newConn("b", "bob", "r1")
	b.CreatedAt = t0.Add(time.Second)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	assert.Equal(t, t0, reg.Stats().OldestActivity.UTC())

	a.MarkActive(t0.Add(time.Minute))
	assert.Equal(t, t0.Add(time.Second), reg.Stats().OldestActivity.UTC())
}

func TestRegistryUnregisterTwice(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	c, _ := newConn("c1", "alice", "r1")
	require.NoError(t, reg.Register(c))

	room, user, err := reg.Unregister("c1")
	require.NoError(t, err)
	assert.Equal(t, "r1", room)
	assert.Equal(t, "alice", user)

	_, _, err = reg.Unregister("c1")
	assert.ErrorIs(t, err, ErrNotFound)

	st := reg.Stats()
	assert.Zero(t, st.TotalConnections)
	assert.Empty(t, st.PerRoom)
	assert.Zero(t, st.DistinctUsers)
}

func TestRegistryBroadcastSkipsBrokenTransport(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	var fcs []*fakeConn
	for i := 0; i < 4; i++ {
		c, fc := newConn("c"+strconv.Itoa(i), "u"+strconv.Itoa(i), "r1")
		require.NoError(t, reg.Register(c))
		fcs = append(fcs, fc)
	}
	fcs[1].broken.Store(true)

	res := reg.BroadcastRaw("r1", []byte(`{"type":"x"}`), "")
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.EqualValues(t, 1, reg.Stats().FailedSends)
	for i, fc := range fcs {
		if i == 1 {
			assert.Empty(t, fc.events())
			continue
		}
		assert.Len(t, fc.events(), 1)
	}
}

func TestRegistryBroadcastExclude(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	a, fa := newConn("a", "alice", "r1")
	b, fb := newConn("b", "bob", "r1")
	o, fo := newConn("o", "carol", "r2")
	for _, c := range []*Connection{a, b, o} {
		require.NoError(t, reg.Register(c))
	}

	n := reg.Broadcast("r1", Event{"type": EvTypingIndicator}, "a")
	assert.Equal(t, 1, n)
	assert.Empty(t, fa.events())
	assert.Len(t, fb.events(), 1)
	assert.Empty(t, fo.events())

	assert.Zero(t, reg.Broadcast("nobody-here", Event{"type": "x"}, ""))
}

func TestRegistrySendToUserAcrossRooms(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	a1, f1 := newConn("a1", "alice", "r1")
	a2, f2 := newConn("a2", "alice", "r2")
	b, fb := newConn("b", "bob", "r1")
	for _, c := range []*Connection{a1, a2, b} {
		require.NoError(t, reg.Register(c))
	}

	assert.Equal(t, 2, reg.SendToUser("alice", Event{"type": EvVisitorNotification}))
	assert.Len(t, f1.events(), 1)
	assert.Len(t, f2.events(), 1)
	assert.Empty(t, fb.events())

	assert.Equal(t, 1, reg.UserConnectionsInRoom("r1", "alice"))
	assert.Equal(t, 0, reg.UserConnectionsInRoom("r3", "alice"))
}

func TestRegistrySendToMissing(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	assert.ErrorIs(t, reg.SendTo("nope", Event{"type": "x"}), ErrNotFound)
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	for i, spec := range [][2]string{{"alice", "r1"}, {"alice", "r1"}, {"bob", "r1"}, {"bob", "r2"}} {
		c, _ := newConn(fmt.Sprint("c", i), spec[0], spec[1])
		require.NoError(t, reg.Register(c))
	}
	st := reg.Stats()
	assert.Equal(t, 4, st.TotalConnections)
	assert.Equal(t, map[string]int{"r1": 3, "r2": 1}, st.PerRoom)
	assert.Equal(t, 2, st.DistinctUsers)
}

// Every subscriber of a room must see concurrent broadcasts in the same order.
func TestRegistryBroadcastOrderPerRoom(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	var fcs []*fakeConn
	for i := 0; i < 3; i++ {
		c, fc := newConn("c"+strconv.Itoa(i), "u"+strconv.Itoa(i), "r1")
		require.NoError(t, reg.Register(c))
		fcs = append(fcs, fc)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reg.Broadcast("r1", Event{"type": "seq", "id": fmt.Sprintf("%d-%d", w, i)}, "")
			}
		}(w)
	}
	wg.Wait()

	order := func(fc *fakeConn) []string {
		var ids []string
		for _, ev := range fc.events() {
			ids = append(ids, ev["id"].(string))
		}
		return ids
	}
	first := order(fcs[0])
	require.Len(t, first, 400)
	for _, fc := range fcs[1:] {
		assert.Equal(t, first, order(fc))
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	a, fa := newConn("a", "alice", "r1")
	b, fb := newConn("b", "bob", "r2")
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	assert.Equal(t, 2, reg.CloseAll(1001, "bye"))
	assert.EqualValues(t, 1001, fa.closeCode.Load())
	assert.EqualValues(t, 1001, fb.closeCode.Load())
}
