package chat

import (
	"context"
	"strings"

	"PPRealtime/logger"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// startAIStream generates the assistant reply to trigger in the background.
// The stream is bound to the session context: when the client goes away the
// context is cancelled and the upstream request with it.
func (ss *session) startAIStream(trigger Message) {
	s := ss.srv
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		err := safe.Run("ai-stream", func() {
			ss.aiMu.Lock()
			defer ss.aiMu.Unlock()
			ss.streamReply(trigger)
		})
		if err != nil {
			aiStreams.WithLabelValues("panic").Inc()
			s.deps.Fanout.Broadcast(trigger.RoomID, aiErrorEvent(trigger.RoomID, "", "AI response failed"), "")
		}
	}()
}

func (ss *session) streamReply(trigger Message) {
	d := ss.srv.deps
	ctx := ss.ctx
	roomID := trigger.RoomID
	responseID := ids.GenerateString()
	if ctx.Err() != nil {
		aiStreams.WithLabelValues("cancelled").Inc()
		return
	}

	hctx, cancel := context.WithTimeout(ctx, ss.srv.conf.CollaboratorTimeout)
	history, err := d.Store.FetchHistoryPage(hctx, roomID, ss.srv.conf.AIContextMessages, 0)
	cancel()
	if err != nil {
		ss.failStream(roomID, responseID, "failed to load conversation context", err)
		return
	}

	var (
		text      strings.Builder
		index     int
		summed    int
		final     int
		finished  bool
		streamErr error
	)
	for chunk, err := range d.AI.StreamReply(ctx, history) {
		if err != nil {
			streamErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		text.WriteString(chunk.Text)
		if chunk.TokenCount > 0 {
			summed += chunk.TokenCount
		}
		if chunk.Text != "" || chunk.IsFinal {
			d.Fanout.Broadcast(roomID, aiChunkEvent(roomID, responseID, trigger.ID, index, chunk), "")
			index++
		}
		if chunk.IsFinal {
			final = chunk.TokenCount
			finished = true
			break
		}
	}

	// the reply outlives a cancelled session only long enough to be stored
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), ss.srv.conf.CollaboratorTimeout)
	defer pcancel()

	switch {
	case !finished && ctx.Err() != nil:
		aiStreams.WithLabelValues("cancelled").Inc()
		logger.Info("[AI] stream cancelled", zap.String("room", roomID), zap.String("response", responseID))
		ss.persistPartial(pctx, trigger, text.String())
		d.Fanout.Broadcast(roomID, aiErrorEvent(roomID, responseID, "AI response interrupted"), "")
		return
	case streamErr != nil:
		ss.persistPartial(pctx, trigger, text.String())
		ss.failStream(roomID, responseID, "AI response failed", streamErr)
		return
	case !finished:
		// upstream closed without is_final: the reply may be cut short
		aiStreams.WithLabelValues("truncated").Inc()
		logger.Warn("[AI] stream ended without final chunk", zap.String("room", roomID), zap.String("response", responseID))
		ss.persistPartial(pctx, trigger, text.String())
		d.Fanout.Broadcast(roomID, aiErrorEvent(roomID, responseID, "AI response incomplete"), "")
		return
	}

	tokens := final
	if tokens <= 0 {
		tokens = summed
	}
	if tokens <= 0 {
		tokens = EstimateTokens(text.String())
	}

	var saved *Message
	if reply := strings.TrimSpace(text.String()); reply != "" {
		m, err := d.Store.PersistMessage(pctx, NewMessage{
			RoomID:     roomID,
			SenderID:   AssistantSenderID,
			Role:       RoleAssistant,
			Kind:       KindChat,
			Content:    reply,
			ParentID:   trigger.ID,
			TokenCount: tokens,
		})
		if err != nil {
			ss.failStream(roomID, responseID, "failed to save AI response", err)
			return
		}
		saved = &m
		if err := d.Store.AppendTokenCount(pctx, roomID, tokens); err != nil {
			logger.Warn("[AI] token count update failed", zap.String("room", roomID), zap.Error(err))
		}
		if d.Sink != nil {
			if err := d.Sink.MessageCreated(pctx, m); err != nil {
				logger.Warn("[AI] export reply failed", zap.String("msg", m.ID), zap.Error(err))
			}
		}
	}

	aiStreams.WithLabelValues("completed").Inc()
	d.Fanout.Broadcast(roomID, aiCompleteEvent(roomID, responseID, saved, tokens), "")

	if saved == nil || d.Summarizer == nil {
		return
	}
	res, err := d.Summarizer.MaybeResummarize(pctx, roomID)
	if err != nil {
		logger.Warn("[AI] resummarize failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	if res.TitleChanged && res.NewTitle != "" {
		d.Fanout.Broadcast(roomID, titleUpdatedEvent(roomID, res.NewTitle), "")
	}
}

// persistPartial stores an interrupted reply flagged as truncated, only when
// configured to.
func (ss *session) persistPartial(ctx context.Context, trigger Message, text string) {
	text = strings.TrimSpace(text)
	if !ss.srv.conf.PersistPartialAI || text == "" {
		return
	}
	_, err := ss.srv.deps.Store.PersistMessage(ctx, NewMessage{
		RoomID:     trigger.RoomID,
		SenderID:   AssistantSenderID,
		Role:       RoleAssistant,
		Kind:       KindChat,
		Content:    text,
		ParentID:   trigger.ID,
		TokenCount: EstimateTokens(text),
		Truncated:  true,
	})
	if err != nil {
		logger.Warn("[AI] persist partial reply failed", zap.String("room", trigger.RoomID), zap.Error(err))
	}
}

func (ss *session) failStream(roomID, responseID, msg string, cause error) {
	aiStreams.WithLabelValues("error").Inc()
	logger.Warn("[AI] stream failed", zap.String("room", roomID), zap.String("response", responseID), zap.Error(cause))
	ss.srv.deps.Fanout.Broadcast(roomID, aiErrorEvent(roomID, responseID, msg), "")
}
