// Package storetest holds the behaviour every store.Backend must share.
// Each backend's tests call Run with a factory for a fresh instance.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"PPRealtime/service/chat"
	"PPRealtime/service/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a backend configured with SummaryEvery=3.
type Factory func(t *testing.T) store.Backend

func Run(t *testing.T, newBackend Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newBackend(t)) })
	t.Run("Rooms", func(t *testing.T) { testRooms(t, newBackend(t)) })
	t.Run("Access", func(t *testing.T) { testAccess(t, newBackend(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newBackend(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newBackend(t)) })
	t.Run("Summary", func(t *testing.T) { testSummary(t, newBackend(t)) })
}

func id(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func testUsers(t *testing.T, b store.Backend) {
	ctx := context.Background()
	uid := id("u")

	_, err := b.LookupUser(ctx, uid)
	assert.ErrorIs(t, err, store.ErrUserNotFound)

	require.NoError(t, b.PutUser(ctx, chat.User{ID: uid, Username: "alice"}))
	require.NoError(t, b.PutUser(ctx, chat.User{ID: uid, Username: "alice2"}))
	u, err := b.LookupUser(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)
}

func testRooms(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rid, owner := id("r"), id("u")

	r, err := b.CreateRoom(ctx, store.Room{ID: rid, OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTitle, r.Title)

	_, err = b.CreateRoom(ctx, store.Room{ID: rid, OwnerID: owner})
	assert.ErrorIs(t, err, store.ErrRoomExists)

	_, err = b.CreateRoom(ctx, store.Room{ID: " ", OwnerID: owner})
	assert.Error(t, err)

	got, err := b.GetRoom(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerID)
	assert.False(t, got.Public)

	_, err = b.GetRoom(ctx, id("missing"))
	assert.ErrorIs(t, err, store.ErrRoomNotFound)

	o, err := b.RoomOwner(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, owner, o)
	_, err = b.RoomOwner(ctx, id("missing"))
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
}

func testAccess(t *testing.T, b store.Backend) {
	ctx := context.Background()
	owner := chat.User{ID: id("owner")}
	guest := chat.User{ID: id("guest")}
	private, public := id("private"), id("public")
	_, err := b.CreateRoom(ctx, store.Room{ID: private, OwnerID: owner.ID})
	require.NoError(t, err)
	_, err = b.CreateRoom(ctx, store.Room{ID: public, OwnerID: owner.ID, Public: true})
	require.NoError(t, err)

	check := func(u chat.User, room string) bool {
		ok, err := b.AuthorizeRoomAccess(ctx, u, room)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, check(owner, private))
	assert.False(t, check(guest, private))
	assert.True(t, check(guest, public))
	assert.False(t, check(guest, id("missing")))

	require.NoError(t, b.EnsureParticipant(ctx, guest, private))
	require.NoError(t, b.EnsureParticipant(ctx, guest, private))
	assert.True(t, check(guest, private))

	err = b.EnsureParticipant(ctx, guest, id("missing"))
	var pe *chat.ParticipantError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, guest.ID, pe.UserID)

	assert.NoError(t, b.MarkRead(ctx, public, guest.ID, time.Now()))
}

func testMessages(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rid, owner := id("r"), id("u")
	_, err := b.CreateRoom(ctx, store.Room{ID: rid, OwnerID: owner})
	require.NoError(t, err)

	m, err := b.PersistMessage(ctx, chat.NewMessage{
		RoomID: rid, SenderID: owner, Role: chat.RoleUser, Kind: chat.KindChat,
		Content: "hello", TokenCount: 2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	reply, err := b.PersistMessage(ctx, chat.NewMessage{
		RoomID: rid, SenderID: chat.AssistantSenderID, Role: chat.RoleAssistant, Kind: chat.KindChat,
		Content: "hi", ParentID: m.ID, Truncated: true,
	})
	require.NoError(t, err)

	ok, err := b.MessageExists(ctx, rid, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.MessageExists(ctx, rid, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.PersistMessage(ctx, chat.NewMessage{RoomID: id("missing"), SenderID: owner, Role: chat.RoleUser, Kind: chat.KindChat, Content: "x"})
	assert.ErrorIs(t, err, store.ErrRoomNotFound)

	require.NoError(t, b.AppendTokenCount(ctx, rid, 5))
	require.NoError(t, b.AppendTokenCount(ctx, rid, 7))
	assert.ErrorIs(t, b.AppendTokenCount(ctx, id("missing"), 1), store.ErrRoomNotFound)

	r, err := b.GetRoom(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, 12, r.TokenCount)
	assert.Equal(t, 2, r.MessageCount)

	page, err := b.FetchHistoryPage(ctx, rid, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, m.ID, page[0].ID)
	assert.Equal(t, reply.ID, page[1].ID)
	assert.Equal(t, m.ID, page[1].ParentID)
	assert.True(t, page[1].Truncated)
	assert.Equal(t, chat.RoleAssistant, page[1].Role)
}

func testHistory(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rid, owner := id("r"), id("u")
	_, err := b.CreateRoom(ctx, store.Room{ID: rid, OwnerID: owner})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := b.PersistMessage(ctx, chat.NewMessage{
			RoomID: rid, SenderID: owner, Role: chat.RoleUser, Kind: chat.KindChat,
			Content: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}
	contents := func(limit, offset int) []string {
		page, err := b.FetchHistoryPage(ctx, rid, limit, offset)
		require.NoError(t, err)
		out := make([]string, 0, len(page))
		for _, m := range page {
			out = append(out, m.Content)
		}
		return out
	}
	assert.Equal(t, []string{"m4", "m5", "m6"}, contents(3, 0))
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(3, 3))
	assert.Equal(t, []string{"m0"}, contents(3, 6))
	assert.Empty(t, contents(3, 7))
}

func testSummary(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rid, owner := id("r"), id("u")
	_, err := b.CreateRoom(ctx, store.Room{ID: rid, OwnerID: owner})
	require.NoError(t, err)

	post := func(role chat.Role, content string) chat.SummaryResult {
		_, err := b.PersistMessage(ctx, chat.NewMessage{RoomID: rid, SenderID: owner, Role: role, Kind: chat.KindChat, Content: content})
		require.NoError(t, err)
		res, err := b.MaybeResummarize(ctx, rid)
		require.NoError(t, err)
		return res
	}
	assert.False(t, post(chat.RoleUser, "Plan the   release\nwith details").TitleChanged)
	assert.False(t, post(chat.RoleAssistant, "sure").TitleChanged)
	res := post(chat.RoleUser, "next")
	assert.True(t, res.TitleChanged)
	assert.Equal(t, "Plan the release", res.NewTitle)

	for i := 0; i < 3; i++ {
		assert.False(t, post(chat.RoleUser, "more").TitleChanged)
	}
	r, err := b.GetRoom(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, "Plan the release", r.Title)

	_, err = b.MaybeResummarize(ctx, id("missing"))
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
}
