package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

type fakeEndpoint struct {
	id string
}

func (f *fakeEndpoint) ID() string             { return f.id }
func (f *fakeEndpoint) Send(data []byte) error { return nil }

func ep(id string) *fakeEndpoint { return &fakeEndpoint{id: id} }

func TestEnsureRoomIsIdempotent(t *testing.T) {
	r := New(0)
	first := r.EnsureRoom("r1")
	second := r.EnsureRoom("r1")

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, first.HasBroadcaster)
	assert.Len(t, r.Rooms(), 1)
}

func TestAddViewerCreatesRoomWithoutBroadcaster(t *testing.T) {
	r := New(0)
	id, count, displaced := r.AddViewer("r1", ep("c1"), "")

	assert.NotEmpty(t, id)
	assert.Equal(t, 1, count)
	assert.Nil(t, displaced)

	_, ok := r.Broadcaster("r1")
	assert.False(t, ok)

	got, ok := r.Viewer("r1", id)
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID())
}

func TestSetBroadcasterLastWriterWins(t *testing.T) {
	r := New(0)
	assert.Nil(t, r.SetBroadcaster("r1", ep("b1")))

	displaced := r.SetBroadcaster("r1", ep("b2"))
	require.NotNil(t, displaced)
	assert.Equal(t, "b1", displaced.ID())

	// The displaced connection closing later must not evict b2.
	_, found := r.RemoveConnection("b1")
	assert.False(t, found)

	b, ok := r.Broadcaster("r1")
	require.True(t, ok)
	assert.Equal(t, "b2", b.ID())
}

func TestResumedViewerIDDisplacesOldConnection(t *testing.T) {
	r := New(0)
	id, _, _ := r.AddViewer("r1", ep("c1"), "v-1")
	require.Equal(t, "v-1", id)

	id, count, displaced := r.AddViewer("r1", ep("c2"), "v-1")
	assert.Equal(t, "v-1", id)
	assert.Equal(t, 1, count)
	require.NotNil(t, displaced)
	assert.Equal(t, "c1", displaced.ID())

	_, found := r.RemoveConnection("c1")
	assert.False(t, found)
	assert.Equal(t, 1, r.ViewerCount("r1"))
}

func TestRejoinMovesConnectionBetweenRooms(t *testing.T) {
	r := New(0)
	r.AddViewer("r1", ep("c1"), "")
	r.AddViewer("r2", ep("c1"), "")

	assert.Equal(t, 0, r.ViewerCount("r1"))
	assert.Equal(t, 1, r.ViewerCount("r2"))

	m, ok := r.Membership("c1")
	require.True(t, ok)
	assert.Equal(t, "r2", m.RoomID)
}

func TestRemoveConnectionReportsSlot(t *testing.T) {
	r := New(0)
	r.SetBroadcaster("r1", ep("b"))
	vid, _, _ := r.AddViewer("r1", ep("v"), "")
	r.SetLive("r1", true)

	rem, ok := r.RemoveConnection("v")
	require.True(t, ok)
	assert.Equal(t, domain.RoleViewer, rem.Role)
	assert.Equal(t, vid, rem.ViewerID)
	assert.Equal(t, 0, rem.ViewerCount)

	rem, ok = r.RemoveConnection("b")
	require.True(t, ok)
	assert.Equal(t, domain.RoleBroadcaster, rem.Role)

	info, ok := r.Room("r1")
	require.True(t, ok)
	assert.False(t, info.HasBroadcaster)
	assert.False(t, info.Live)

	_, ok = r.RemoveConnection("v")
	assert.False(t, ok)
}

func TestViewerCountMatchesOpenConnections(t *testing.T) {
	r := New(0)
	rng := rand.New(rand.NewSource(42))
	open := map[string]bool{}

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("c%d", rng.Intn(50))
		if rng.Intn(3) == 0 {
			r.RemoveConnection(id)
			delete(open, id)
		} else {
			r.AddViewer("r1", ep(id), "")
			open[id] = true
		}
		require.Equal(t, len(open), r.ViewerCount("r1"), "step %d", i)
	}
}

func TestConcurrentJoinAndLeave(t *testing.T) {
	r := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.AddViewer("r1", ep(id), "")
			r.AppendMessage("r1", domain.ChatMessage{ID: id})
			if i%2 == 0 {
				r.RemoveConnection(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.ViewerCount("r1"))
	assert.Len(t, r.History("r1"), 32)
}

func TestHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	r := New(DefaultHistoryCapacity)
	for i := 0; i < 101; i++ {
		r.AppendMessage("r1", domain.ChatMessage{ID: fmt.Sprintf("m%d", i)})
	}

	h := r.History("r1")
	require.Len(t, h, 100)
	assert.Equal(t, "m1", h[0].ID)
	assert.Equal(t, "m100", h[99].ID)

	for i := 101; i < 350; i++ {
		r.AppendMessage("r1", domain.ChatMessage{ID: fmt.Sprintf("m%d", i)})
	}
	h = r.History("r1")
	require.Len(t, h, 100)
	assert.Equal(t, "m250", h[0].ID)
}

func TestHistoryReturnsCopy(t *testing.T) {
	r := New(0)
	r.AppendMessage("r1", domain.ChatMessage{ID: "m1", Text: "a"})

	h := r.History("r1")
	h[0].Text = "mutated"
	assert.Equal(t, "a", r.History("r1")[0].Text)
	assert.Empty(t, r.History("missing"))
}

func TestFindByTempID(t *testing.T) {
	r := New(0)
	r.AppendMessage("r1", domain.ChatMessage{ID: "m1", TempID: "t1", Username: "alice"})

	m, ok := r.FindByTempID("r1", "alice", "t1")
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)

	_, ok = r.FindByTempID("r1", "bob", "t1")
	assert.False(t, ok)
	_, ok = r.FindByTempID("r1", "alice", "")
	assert.False(t, ok)
}

func TestMembersIncludesBroadcasterAndViewers(t *testing.T) {
	r := New(0)
	r.SetBroadcaster("r1", ep("b"))
	r.AddViewer("r1", ep("v1"), "")
	r.AddViewer("r1", ep("v2"), "")

	ids := []string{}
	for _, m := range r.Members("r1") {
		ids = append(ids, m.ID())
	}
	assert.ElementsMatch(t, []string{"b", "v1", "v2"}, ids)
	assert.Len(t, r.Viewers("r1"), 2)
	assert.Nil(t, r.Members("missing"))
}

func TestReapRemovesOnlyIdleEmptyRooms(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := New(0, WithClock(func() time.Time { return now }))

	r.EnsureRoom("idle")
	r.SetBroadcaster("busy", ep("b"))
	r.AddViewer("left", ep("v"), "")
	r.RemoveConnection("v")

	now = now.Add(10 * time.Minute)
	r.EnsureRoom("fresh")

	assert.Nil(t, r.Reap(0))
	assert.Equal(t, []string{"idle", "left"}, r.Reap(5*time.Minute))

	_, ok := r.Room("busy")
	assert.True(t, ok)
	_, ok = r.Room("fresh")
	assert.True(t, ok)
}
