package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"strings"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxLineBytes = 1 << 20

type Conf struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration // whole-stream limit, default 120s
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamRequest struct {
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// streamLine is one NDJSON line of the upstream response.
type streamLine struct {
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
	TokenCount int    `json:"token_count"`
	Error      string `json:"error"`
}

// HTTPStreamer posts the conversation to an upstream model service and reads
// the reply back as newline-delimited JSON chunks.
type HTTPStreamer struct {
	conf   Conf
	client *resty.Client
}

func NewHTTPStreamer(conf Conf) *HTTPStreamer {
	if conf.Timeout <= 0 {
		conf.Timeout = 120 * time.Second
	}
	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/x-ndjson")
	if conf.APIKey != "" {
		c.SetAuthToken(conf.APIKey)
	}
	return &HTTPStreamer{conf: conf, client: c}
}

var _ chat.AIStreamer = (*HTTPStreamer)(nil)

func (s *HTTPStreamer) StreamReply(ctx context.Context, history []chat.Message) iter.Seq2[chat.Chunk, error] {
	return func(yield func(chat.Chunk, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, s.conf.Timeout)
		defer cancel()

		req := streamRequest{Stream: true, Messages: make([]wireMessage, 0, len(history))}
		for _, m := range history {
			req.Messages = append(req.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
		}

		resp, err := s.client.R().
			SetContext(ctx).
			SetBody(req).
			SetDoNotParseResponse(true).
			Post(s.conf.Endpoint)
		if err != nil {
			yield(chat.Chunk{}, ctxErr(ctx, pkgerrors.Wrap(err, "ai request")))
			return
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(body, 512))
			yield(chat.Chunk{}, pkgerrors.Errorf("ai upstream status %d: %s", resp.StatusCode(), strings.TrimSpace(string(snippet))))
			return
		}

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var l streamLine
			if err := json.Unmarshal([]byte(line), &l); err != nil {
				logger.Warn("[AI] skipping malformed stream line", zap.Error(err))
				continue
			}
			if l.Error != "" {
				yield(chat.Chunk{}, pkgerrors.Errorf("ai upstream: %s", l.Error))
				return
			}
			if !yield(chat.Chunk{Text: l.Text, IsFinal: l.IsFinal, TokenCount: l.TokenCount}, nil) {
				return
			}
			if l.IsFinal {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(chat.Chunk{}, ctxErr(ctx, pkgerrors.Wrap(err, "read ai stream")))
		}
	}
}

// ctxErr prefers the context's error so callers can tell cancellation apart.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
