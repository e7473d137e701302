package chat

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"PPRealtime/tools/errs"
)

type ValidationConf struct {
	MaxContentLength int // runes, default 10000
	MaxRepeatRun     int // longest run of one character, default 50
}

func (c *ValidationConf) norm() {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 10000
	}
	if c.MaxRepeatRun <= 0 {
		c.MaxRepeatRun = 50
	}
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`),
}

type Validator struct {
	conf ValidationConf
}

func NewValidator(conf ValidationConf) Validator {
	conf.norm()
	return Validator{conf: conf}
}

// SendMessage checks a send_message payload and returns the message to persist
// (without room/sender). Role defaults to user and kind to chat.
func (v Validator) SendMessage(e SendMessage) (NewMessage, error) {
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return NewMessage{}, errs.ErrValidation.WrapMsg("message content cannot be empty")
	}
	if n := utf8.RuneCountInString(content); n > v.conf.MaxContentLength {
		return NewMessage{}, errs.ErrValidation.WrapMsg("message content too long", "length", n, "max", v.conf.MaxContentLength)
	}
	for _, re := range injectionPatterns {
		if re.MatchString(content) {
			return NewMessage{}, errs.ErrValidation.WrapMsg("message content contains forbidden markup")
		}
	}
	if run := longestRun(content); run > v.conf.MaxRepeatRun {
		return NewMessage{}, errs.ErrValidation.WrapMsg("message content has excessive repetition")
	}

	role := Role(strings.ToLower(strings.TrimSpace(e.Role)))
	switch role {
	case "":
		role = RoleUser
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return NewMessage{}, errs.ErrValidation.WrapMsg("invalid role", "role", e.Role)
	}

	kind := MessageKind(strings.ToLower(strings.TrimSpace(e.MessageType)))
	switch kind {
	case "":
		kind = KindChat
	case KindChat, KindSystem, KindVisitorMessage:
	default:
		return NewMessage{}, errs.ErrValidation.WrapMsg("invalid message type", "message_type", e.MessageType)
	}

	return NewMessage{
		Role:     role,
		Kind:     kind,
		Content:  content,
		ParentID: strings.TrimSpace(e.ParentMessageID),
	}, nil
}

// ScrollPosition requires a finite, non-negative position.
func (v Validator) ScrollPosition(p *float64) (float64, error) {
	if p == nil {
		return 0, errs.ErrValidation.WrapMsg("position is required")
	}
	if math.IsNaN(*p) || math.IsInf(*p, 0) || *p < 0 {
		return 0, errs.ErrValidation.WrapMsg("position must be a non-negative number")
	}
	return *p, nil
}

func longestRun(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			cur++
		} else {
			prev, cur = r, 1
		}
		if cur > best {
			best = cur
		}
	}
	return best
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
