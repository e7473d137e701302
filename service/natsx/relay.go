package natsx

import (
	"context"
	"strings"

	"PPRealtime/logger"
	"PPRealtime/service/chat"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	hdrOrigin  = "Ppr-Origin"
	hdrRoom    = "Ppr-Room"
	hdrUser    = "Ppr-User"
	hdrExclude = "Ppr-Exclude"
)

var relayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ppr_relay_messages_total",
	Help: "Frames relayed between gateway nodes by direction and result",
}, []string{"direction", "result"})

// Bus is the publish/subscribe surface the relay needs. *Client implements it.
type Bus interface {
	Publish(subject string, data []byte, hdr map[string]string) error
	Subscribe(subject string, h Handler) error
}

// Local is the node-local delivery the relay wraps. *chat.Registry implements it.
type Local interface {
	BroadcastRaw(roomID string, data []byte, exclude string) chat.BroadcastResult
	SendRawToUser(userID string, data []byte) chat.BroadcastResult
}

type RelayConf struct {
	NodeID string
	// Prefix is the base both subject trees hang off: <Prefix>room.<id> and
	// <Prefix>user.<id>. Default "ppr.".
	Prefix string
	// RoomPrefix and UserPrefix override the derived trees. They must not
	// overlap or one wildcard subscription would swallow the other's frames.
	RoomPrefix string
	UserPrefix string
}

func dotted(p string) string {
	if p != "" && !strings.HasSuffix(p, ".") {
		p += "."
	}
	return p
}

func (c *RelayConf) norm() {
	if c.Prefix == "" {
		c.Prefix = "ppr."
	}
	c.Prefix = dotted(c.Prefix)
	if c.RoomPrefix == "" {
		c.RoomPrefix = c.Prefix + "room."
	}
	if c.UserPrefix == "" {
		c.UserPrefix = c.Prefix + "user."
	}
	c.RoomPrefix = dotted(c.RoomPrefix)
	c.UserPrefix = dotted(c.UserPrefix)
}

func (c *RelayConf) validate() error {
	if strings.HasPrefix(c.RoomPrefix, c.UserPrefix) || strings.HasPrefix(c.UserPrefix, c.RoomPrefix) {
		return pkgerrors.Errorf("relay subject prefixes overlap: room %q, user %q", c.RoomPrefix, c.UserPrefix)
	}
	return nil
}

// Relay delivers locally and republishes every frame on the bus, so members
// of the same room connected to other nodes receive it too. Frames a node
// published itself are ignored when they come back.
type Relay struct {
	conf  RelayConf
	local Local
	bus   Bus
}

func NewRelay(conf RelayConf, local Local, bus Bus) *Relay {
	conf.norm()
	return &Relay{conf: conf, local: local, bus: bus}
}

var _ chat.Fanout = (*Relay)(nil)

// Start subscribes to room and user traffic from the other nodes.
func (r *Relay) Start() error {
	if err := r.conf.validate(); err != nil {
		return err
	}
	if err := r.bus.Subscribe(r.conf.RoomPrefix+">", r.onRoom); err != nil {
		return err
	}
	return r.bus.Subscribe(r.conf.UserPrefix+">", r.onUser)
}

// subjectToken maps an identifier to a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return c
	}, id)
}

func (r *Relay) Broadcast(roomID string, ev chat.Event, exclude string) int {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("[Relay] encode event", zap.String("type", ev.Type()), zap.Error(err))
		return 0
	}
	n := r.local.BroadcastRaw(roomID, data, exclude).Delivered
	r.publish(r.conf.RoomPrefix+subjectToken(roomID), data, map[string]string{
		hdrOrigin:  r.conf.NodeID,
		hdrRoom:    roomID,
		hdrExclude: exclude,
	})
	return n
}

func (r *Relay) SendToUser(userID string, ev chat.Event) int {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("[Relay] encode event", zap.String("type", ev.Type()), zap.Error(err))
		return 0
	}
	n := r.local.SendRawToUser(userID, data).Delivered
	r.publish(r.conf.UserPrefix+subjectToken(userID), data, map[string]string{
		hdrOrigin: r.conf.NodeID,
		hdrUser:   userID,
	})
	return n
}

func (r *Relay) publish(subject string, data []byte, hdr map[string]string) {
	if err := r.bus.Publish(subject, data, hdr); err != nil {
		relayed.WithLabelValues("out", "error").Inc()
		logger.Warn("[Relay] publish failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	relayed.WithLabelValues("out", "ok").Inc()
}

func (r *Relay) onRoom(_ context.Context, msg Message) error {
	if msg.Header[hdrOrigin] == r.conf.NodeID {
		return nil
	}
	room := msg.Header[hdrRoom]
	if room == "" {
		relayed.WithLabelValues("in", "invalid").Inc()
		return pkgerrors.Errorf("relay frame without room on %s", msg.Subject)
	}
	r.local.BroadcastRaw(room, msg.Data, msg.Header[hdrExclude])
	relayed.WithLabelValues("in", "ok").Inc()
	return nil
}

func (r *Relay) onUser(_ context.Context, msg Message) error {
	if msg.Header[hdrOrigin] == r.conf.NodeID {
		return nil
	}
	user := msg.Header[hdrUser]
	if user == "" {
		relayed.WithLabelValues("in", "invalid").Inc()
		return pkgerrors.Errorf("relay frame without user on %s", msg.Subject)
	}
	r.local.SendRawToUser(user, msg.Data)
	relayed.WithLabelValues("in", "ok").Inc()
	return nil
}
