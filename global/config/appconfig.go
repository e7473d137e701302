package config

import "time"

// AppConfig is the full gateway configuration as read from YAML.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Presence  PresenceConfig  `yaml:"presence"`
	Messages  MessagesConfig  `yaml:"messages"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Nats      NatsConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	AI        AIConfig        `yaml:"ai"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ServerConfig struct {
	HTTPAddr       string        `yaml:"http_addr"`
	GRPCHealthAddr string        `yaml:"grpc_health_addr"`
	NodeID         string        `yaml:"node_id"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	WriteWait      time.Duration `yaml:"write_wait"`
	HandshakeRPS   float64       `yaml:"handshake_rps"`
	HandshakeBurst int           `yaml:"handshake_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Alg       string `yaml:"alg"`
	Blacklist string `yaml:"blacklist"` // memory | redis
}

type RateLimitConfig struct {
	MaxEvents int           `yaml:"max_events"`
	Window    time.Duration `yaml:"window"`
	Scope     string        `yaml:"scope"`   // connection | user
	Backend   string        `yaml:"backend"` // memory | redis
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type PresenceConfig struct {
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	SuppressDuplicateJoins bool          `yaml:"suppress_duplicate_joins"`
	Mirror                 bool          `yaml:"mirror"`
}

type MessagesConfig struct {
	MaxContentLength   int `yaml:"max_content_length"`
	MaxRepeatRun       int `yaml:"max_repeat_run"`
	HistoryPageDefault int `yaml:"history_page_default"`
	HistoryPageMax     int `yaml:"history_page_max"`
	AIContextMessages  int `yaml:"ai_context_messages"`
}

type StorageConfig struct {
	Driver       string      `yaml:"driver"` // memory | postgres | mongo
	PostgresDSN  string      `yaml:"postgres_dsn"`
	Mongo        MongoConfig `yaml:"mongo"`
	SummaryEvery int         `yaml:"summary_every"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize int    `yaml:"max_pool_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type NatsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Servers       []string `yaml:"servers"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AIConfig struct {
	Endpoint       string        `yaml:"endpoint"` // empty => echo streamer
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	PersistPartial bool          `yaml:"persist_partial"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        uint64 `yaml:"port"`
	Namespace   string `yaml:"namespace"`
	DataID      string `yaml:"data_id"`
	Group       string `yaml:"group"`
	Register    bool   `yaml:"register"`
	ServiceName string `yaml:"service_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}
