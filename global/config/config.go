package config

import (
	"os"
	"strings"
	"time"

	"PPRealtime/tools/errs"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "PPR_CONFIG"
	EnvGatewayID  = "GATEWAY_ID"
	EnvHTTPAddr   = "PPR_HTTP_ADDR"
	EnvJWTSecret  = "PPR_JWT_SECRET"
)

// Load reads the YAML file at path (empty path => defaults only), applies env
// overrides and fills defaults.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	cfg.applyEnv()
	cfg.norm()
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc []byte) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, errs.WrapMsg(err, "parse config")
	}
	cfg.norm()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv(EnvGatewayID); v != "" {
		c.Server.NodeID = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *AppConfig) norm() {
	s := &c.Server
	if s.HTTPAddr == "" {
		s.HTTPAddr = ":8080"
	}
	if s.GRPCHealthAddr == "" {
		s.GRPCHealthAddr = ":50052"
	}
	if s.NodeID == "" {
		s.NodeID = "gateway-1"
	}
	if s.MaxFrameBytes <= 0 {
		s.MaxFrameBytes = 64 << 10
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 5 * time.Second
	}
	if s.HandshakeRPS <= 0 {
		s.HandshakeRPS = 20
	}
	if s.HandshakeBurst <= 0 {
		s.HandshakeBurst = 40
	}

	if c.Auth.Alg == "" {
		c.Auth.Alg = "HS256"
	}
	c.Auth.Blacklist = lowerOr(c.Auth.Blacklist, "memory")

	r := &c.RateLimit
	if r.MaxEvents <= 0 {
		r.MaxEvents = 30
	}
	if r.Window <= 0 {
		r.Window = 60 * time.Second
	}
	r.Scope = lowerOr(r.Scope, "connection")
	r.Backend = lowerOr(r.Backend, "memory")

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Presence.IdleTimeout <= 0 {
		c.Presence.IdleTimeout = 300 * time.Second
	}
	if c.Presence.SweepInterval <= 0 {
		c.Presence.SweepInterval = 60 * time.Second
	}

	m := &c.Messages
	if m.MaxContentLength <= 0 {
		m.MaxContentLength = 10000
	}
	if m.MaxRepeatRun <= 0 {
		m.MaxRepeatRun = 50
	}
	if m.HistoryPageMax <= 0 {
		m.HistoryPageMax = 100
	}
	if m.HistoryPageDefault <= 0 {
		m.HistoryPageDefault = 50
	}
	if m.HistoryPageDefault > m.HistoryPageMax {
		m.HistoryPageDefault = m.HistoryPageMax
	}
	if m.AIContextMessages <= 0 {
		m.AIContextMessages = 20
	}

	c.Storage.Driver = lowerOr(c.Storage.Driver, "memory")
	if c.Storage.SummaryEvery <= 0 {
		c.Storage.SummaryEvery = 10
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "ppr"
	}
	if c.Storage.Mongo.MaxPoolSize <= 0 {
		c.Storage.Mongo.MaxPoolSize = 20
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Nats.SubjectPrefix == "" {
		c.Nats.SubjectPrefix = "ppr."
	}
	if len(c.Nats.Servers) == 0 {
		c.Nats.Servers = []string{"nats://127.0.0.1:4222"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "conversation.messages"
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 120 * time.Second
	}

	n := &c.Nacos
	if n.Host == "" {
		n.Host = "127.0.0.1"
	}
	if n.Port == 0 {
		n.Port = 8848
	}
	if n.DataID == "" {
		n.DataID = "ppr-gateway.yaml"
	}
	if n.Group == "" {
		n.Group = "DEFAULT_GROUP"
	}
	if n.ServiceName == "" {
		n.ServiceName = "ppr-gateway"
	}

	c.Log.Level = lowerOr(c.Log.Level, "info")
	c.Log.Format = lowerOr(c.Log.Format, "console")
}

// Tunables returns the hot-reloadable subset of the configuration.
func (c *AppConfig) Tunables() Tunables {
	return Tunables{
		RateLimitMax:           c.RateLimit.MaxEvents,
		RateLimitWindow:        c.RateLimit.Window,
		IdleTimeout:            c.Presence.IdleTimeout,
		SuppressDuplicateJoins: c.Presence.SuppressDuplicateJoins,
	}
}

func lowerOr(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}
