package ai

import (
	"context"
	"iter"
	"strings"
	"time"

	"PPRealtime/service/chat"
)

// EchoStreamer answers with the last user message, one word per chunk.
// It stands in for a model service in development.
type EchoStreamer struct {
	Delay time.Duration
}

var _ chat.AIStreamer = EchoStreamer{}

func (e EchoStreamer) StreamReply(ctx context.Context, history []chat.Message) iter.Seq2[chat.Chunk, error] {
	return func(yield func(chat.Chunk, error) bool) {
		var last string
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == chat.RoleUser {
				last = history[i].Content
				break
			}
		}
		words := strings.Fields(last)
		if len(words) == 0 {
			words = []string{"…"}
		}
		reply := append([]string{"You said:"}, words...)

		for i, w := range reply {
			if e.Delay > 0 {
				t := time.NewTimer(e.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield(chat.Chunk{}, ctx.Err())
					return
				case <-t.C:
				}
			} else if ctx.Err() != nil {
				yield(chat.Chunk{}, ctx.Err())
				return
			}
			text := w
			if i > 0 {
				text = " " + w
			}
			if !yield(chat.Chunk{Text: text}, nil) {
				return
			}
		}
		yield(chat.Chunk{IsFinal: true, TokenCount: chat.EstimateTokens(strings.Join(reply, " "))}, nil)
	}
}
