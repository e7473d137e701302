package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAIStreamChunksThenOneComplete(t *testing.T) {
	ai := &fakeAI{chunks: []Chunk{{Text: "Hel"}, {Text: "lo!"}, {IsFinal: true, TokenCount: 7}}}
	h := newHarness(t, withAI(ai))
	h.be.summary = SummaryResult{TitleChanged: true, NewTitle: "Greetings"}
	alice := h.join(t, "tok-alice", "room-1")
	bob := h.join(t, "tok-bob", "room-1")

	alice.fc.push(t, sendMsg("hello bot"))
	alice.fc.next(t, EvNewMessage)
	done := bob.fc.next(t, EvAIResponseComplete)
	bob.fc.next(t, EvTitleUpdated)
	h.srv.streams.Wait()

	chunks := bob.fc.ofType(EvAIResponseChunk)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.EqualValues(t, i, c["index"])
		assert.Equal(t, done["response_id"], c["response_id"])
	}
	assert.Equal(t, true, chunks[2]["is_final"])
	assert.Len(t, bob.fc.ofType(EvAIResponseComplete), 1)
	assert.Len(t, alice.fc.ofType(EvAIResponseComplete), 1)
	assert.EqualValues(t, 7, done["token_count"])

	stored := h.be.messages("room-1")
	require.Len(t, stored, 2)
	reply := stored[1]
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, AssistantSenderID, reply.SenderID)
	assert.Equal(t, "Hello!", reply.Content)
	assert.Equal(t, stored[0].ID, reply.ParentID)
	assert.Equal(t, 7, reply.TokenCount)
	assert.Equal(t, reply.ID, done["message"].(map[string]any)["id"])

	h.be.mu.Lock()
	assert.Equal(t, EstimateTokens("hello bot")+7, h.be.counts["room-1"])
	h.be.mu.Unlock()
	assert.Equal(t, "Greetings", bob.fc.ofType(EvTitleUpdated)[0]["title"])
}

func TestAIStreamTokenFallbacks(t *testing.T) {
	ai := &fakeAI{chunks: []Chunk{{Text: "abcd", TokenCount: 2}, {Text: "efgh", TokenCount: 3}, {IsFinal: true}}}
	h := newHarness(t, withAI(ai))
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, sendMsg("count please"))
	done := alice.fc.next(t, EvAIResponseComplete)
	assert.EqualValues(t, 5, done["token_count"], "sum of chunk counts when the final chunk has none")
	assert.Len(t, alice.fc.ofType(EvAIResponseChunk), 3)
}

func TestAIStreamEndsWithoutFinalChunk(t *testing.T) {
	for _, persist := range []bool{false, true} {
		ai := &fakeAI{chunks: []Chunk{{Text: "cut "}, {Text: "short"}}}
		h := newHarness(t, withAI(ai), withConf(func(c *ServerConf) { c.PersistPartialAI = persist }))
		alice := h.join(t, "tok-alice", "room-1")

		alice.fc.push(t, sendMsg("hello bot"))
		ev := alice.fc.next(t, EvAIResponseError)
		assert.Equal(t, "AI response incomplete", ev["message"])
		h.srv.streams.Wait()

		assert.Empty(t, alice.fc.ofType(EvAIResponseComplete))
		stored := h.be.messages("room-1")
		if !persist {
			assert.Len(t, stored, 1, "truncated reply is not stored")
			continue
		}
		require.Len(t, stored, 2)
		assert.True(t, stored[1].Truncated)
		assert.Equal(t, "cut short", stored[1].Content)
	}
}

func TestAIStreamNotTriggeredForAssistantOrSystem(t *testing.T) {
	ai := &fakeAI{chunks: []Chunk{{Text: "x", IsFinal: true}}}
	h := newHarness(t, withAI(ai))
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, map[string]any{"type": CmdSendMessage, "content": "note", "role": "system"})
	alice.fc.push(t, map[string]any{"type": CmdSendMessage, "content": "fyi", "message_type": "system"})
	alice.sync(t)
	h.srv.streams.Wait()
	assert.Empty(t, alice.fc.ofType(EvAIResponseChunk))
	assert.Len(t, h.be.messages("room-1"), 2)
}

func TestAIStreamUpstreamError(t *testing.T) {
	ai := &fakeAI{chunks: []Chunk{{Text: "half"}}, err: errors.New("upstream 502")}
	h := newHarness(t, withAI(ai))
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, sendMsg("hello bot"))
	ev := alice.fc.next(t, EvAIResponseError)
	assert.Equal(t, "AI response failed", ev["message"])
	h.srv.streams.Wait()

	assert.Empty(t, alice.fc.ofType(EvAIResponseComplete))
	assert.Len(t, h.be.messages("room-1"), 1)
}

func TestAIStreamCancelledOnDisconnect(t *testing.T) {
	for _, persist := range []bool{false, true} {
		ai := &fakeAI{chunks: []Chunk{{Text: "partial answer"}}, block: true}
		h := newHarness(t, withAI(ai), withConf(func(c *ServerConf) { c.PersistPartialAI = persist }))
		alice := h.join(t, "tok-alice", "room-1")

		alice.fc.push(t, sendMsg("tell me a long story"))
		alice.fc.next(t, EvAIResponseChunk)
		alice.leave(t)
		h.srv.streams.Wait()

		assert.True(t, ai.cancelled.Load())
		assert.Empty(t, alice.fc.ofType(EvAIResponseComplete))
		stored := h.be.messages("room-1")
		if !persist {
			assert.Len(t, stored, 1, "interrupted reply is not stored")
			continue
		}
		require.Len(t, stored, 2)
		assert.True(t, stored[1].Truncated)
		assert.Equal(t, "partial answer", stored[1].Content)
	}
}

func TestAIStreamCancelledNotifiesRoom(t *testing.T) {
	ai := &fakeAI{chunks: []Chunk{{Text: "partial"}}, block: true}
	h := newHarness(t, withAI(ai))
	bob := h.join(t, "tok-bob", "room-1")
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, sendMsg("go on"))
	bob.fc.next(t, EvAIResponseChunk)
	alice.leave(t)

	ev := bob.fc.next(t, EvAIResponseError)
	assert.Equal(t, "AI response interrupted", ev["message"])
	h.srv.streams.Wait()
	assert.Empty(t, bob.fc.ofType(EvAIResponseComplete))
}
