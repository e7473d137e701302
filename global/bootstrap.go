// Package global assembles the gateway process from its configuration:
// storage, shared state, optional cluster plumbing and the HTTP surface.
package global

import (
	"context"
	"net"
	"strconv"
	"time"

	"PPRealtime/data/database/mgo/mongoutil"
	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/middleware"
	"PPRealtime/service/admin"
	"PPRealtime/service/ai"
	"PPRealtime/service/auth"
	"PPRealtime/service/chat"
	"PPRealtime/service/kafka"
	"PPRealtime/service/mgo"
	"PPRealtime/service/nacos"
	"PPRealtime/service/natsx"
	"PPRealtime/service/storage"
	redisutil "PPRealtime/service/storage/redis"
	"PPRealtime/service/store"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

const mongoReadyTimeout = 15 * time.Second

// tunableLimiter is a chat.Limiter whose ceiling can change at runtime.
type tunableLimiter interface {
	chat.Limiter
	SetLimits(maxEvents int, win time.Duration)
}

// App is one gateway process. Build wires it, Run serves it.
type App struct {
	Config *config.AppConfig
	Engine *gin.Engine
	Server *chat.Server
	Store  store.Backend
	Auth   *auth.Authenticator

	registry  *chat.Registry
	presence  *chat.Presence
	heartbeat *chat.Heartbeat
	reaper    *chat.Reaper
	limiter   tunableLimiter
	mirror    *storage.PresenceMirror
	watcher   *nacos.Watcher
	announce  *nacos.Registry
	mids      *middleware.MiddlewareManager
	health    *health.Server

	bg      context.Context
	cancel  context.CancelFunc
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Build creates every component named by cfg. Connections to external
// systems are opened here so that a misconfigured process fails fast.
func Build(ctx context.Context, cfg *config.AppConfig) (_ *App, err error) {
	a := &App{Config: cfg, mids: middleware.NewManager(), health: health.NewServer()}
	a.bg, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	// 1) 基础设施：ID 生成器 / Redis / 存储
	ConfigIds(cfg.Server.NodeID)

	var rdb *redis.Client
	if needsRedis(cfg) {
		if rdb, err = ConfigRedis(cfg.Redis); err != nil {
			return nil, err
		}
		a.onClose("redis", rdb.Close)
	}

	if err = a.configStore(ctx, cfg); err != nil {
		return nil, err
	}

	// 2) 鉴权 + 限流
	var blacklist auth.Blacklist
	var memBlacklist *auth.MemoryBlacklist
	if cfg.Auth.Blacklist == "redis" {
		blacklist = storage.NewRedisBlacklist(rdb)
	} else {
		memBlacklist = auth.NewMemoryBlacklist()
		blacklist = memBlacklist
	}
	var users auth.UserLookup
	if cfg.Storage.Driver != "memory" {
		users = a.Store
	}
	tokens := security.Options{Secret: []byte(cfg.Auth.JWTSecret), Alg: cfg.Auth.Alg}
	a.Auth = auth.New(tokens, blacklist, users)

	scope := chat.LimitScope(cfg.RateLimit.Scope)
	var memLimiter *chat.RateLimiter
	if cfg.RateLimit.Backend == "redis" {
		a.limiter = storage.NewRedisLimiter(rdb, storage.RedisLimiterConf{
			MaxEvents: cfg.RateLimit.MaxEvents,
			Window:    cfg.RateLimit.Window,
			Scope:     scope,
		})
	} else {
		memLimiter = chat.NewRateLimiter(chat.RateLimitConf{
			MaxEvents: cfg.RateLimit.MaxEvents,
			Window:    cfg.RateLimit.Window,
			Scope:     scope,
		})
		a.limiter = memLimiter
	}

	// 3) 连接表，开启 nats 时外面包一层跨节点转发
	a.registry = chat.NewRegistry(chat.RegistryConf{})
	var fanout chat.Fanout = a.registry
	if cfg.Nats.Enabled {
		if fanout, err = a.configRelay(cfg); err != nil {
			return nil, err
		}
	}

	a.presence = chat.NewPresence(fanout, chat.PresenceConf{SuppressDuplicateJoins: cfg.Presence.SuppressDuplicateJoins})
	if cfg.Presence.Mirror {
		a.mirror = storage.NewPresenceMirror(rdb, cfg.Server.NodeID, 1024)
		a.presence.AddObserver(a.mirror)
	}
	a.heartbeat = chat.NewHeartbeat(a.registry, chat.HeartbeatConf{Interval: cfg.Heartbeat.Interval})
	a.reaper = chat.NewReaper(a.presence, chat.ReaperConf{
		Interval:    cfg.Presence.SweepInterval,
		IdleTimeout: cfg.Presence.IdleTimeout,
	})

	deps := chat.Deps{
		Registry:   a.registry,
		Presence:   a.presence,
		Heartbeat:  a.heartbeat,
		Limiter:    a.limiter,
		Fanout:     fanout,
		Auth:       a.Auth,
		Rooms:      a.Store,
		Store:      a.Store,
		Summarizer: a.Store,
		AI:         configAI(cfg.AI),
	}
	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(kafka.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			NodeID:          cfg.Server.NodeID,
			AutoCreateTopic: true,
		})
		if err != nil {
			return nil, err
		}
		a.onClose("kafka", p.Close)
		deps.Sink = p
	}

	// 4) 会话服务
	a.Server, err = chat.NewServer(deps, chat.ServerConf{
		NodeID: cfg.Server.NodeID,
		Validation: chat.ValidationConf{
			MaxContentLength: cfg.Messages.MaxContentLength,
			MaxRepeatRun:     cfg.Messages.MaxRepeatRun,
		},
		HistoryPageDefault: cfg.Messages.HistoryPageDefault,
		HistoryPageMax:     cfg.Messages.HistoryPageMax,
		AIContextMessages:  cfg.Messages.AIContextMessages,
		PersistPartialAI:   cfg.AI.PersistPartial,
		WriteWait:          cfg.Server.WriteWait,
		MaxFrameBytes:      cfg.Server.MaxFrameBytes,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		HandshakeRPS:       cfg.Server.HandshakeRPS,
		HandshakeBurst:     cfg.Server.HandshakeBurst,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "build chat server")
	}

	// 5) 内存态的限流窗口 / 黑名单 / 握手令牌桶，跟着 reaper 一起清理
	if memLimiter != nil {
		a.reaper.AddTask("rate-limit-cleanup", func(now time.Time) { memLimiter.Cleanup(now) })
	}
	if memBlacklist != nil {
		a.reaper.AddTask("blacklist-cleanup", func(now time.Time) { memBlacklist.Cleanup(now) })
	}
	a.reaper.AddTask("handshake-cleanup", func(now time.Time) { a.Server.Handshakes().Cleanup(now) })

	if cfg.Nacos.Enabled {
		if err = a.configNacos(cfg); err != nil {
			return nil, err
		}
	}

	a.Engine = a.routes(tokens)
	return a, nil
}

func needsRedis(cfg *config.AppConfig) bool {
	return cfg.Auth.Blacklist == "redis" || cfg.RateLimit.Backend == "redis" || cfg.Presence.Mirror
}

// ConfigIds seeds the message id generator with a node number derived from
// the gateway id, so ids minted on different nodes do not collide.
func ConfigIds(nodeID string) {
	n := ids.NodeFromString(nodeID)
	ids.SetNodeID(n)
	logger.Info("[Bootstrap] id generator ready", zap.String("node", nodeID), zap.Int64("worker", n))
}

func ConfigRedis(c config.RedisConfig) (*redis.Client, error) {
	rdb, err := redisutil.New(redisutil.Config{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "connect redis", "addr", c.Addr)
	}
	logger.Info("[Bootstrap] redis connected", zap.String("addr", c.Addr))
	return rdb, nil
}

func (a *App) configStore(ctx context.Context, cfg *config.AppConfig) error {
	conf := store.Conf{SummaryEvery: cfg.Storage.SummaryEvery}
	switch cfg.Storage.Driver {
	case "memory":
		a.Store = store.NewMemory(conf)
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Storage.PostgresDSN, conf)
		if err != nil {
			return err
		}
		a.onClose("postgres", func() error { pg.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = pg
	case "mongo":
		return a.ConfigMgo(ctx, cfg.Storage.Mongo, conf)
	default:
		return errs.ErrValidation.WrapMsg("unknown storage driver", "driver", cfg.Storage.Driver)
	}
	logger.Info("[Bootstrap] store ready", zap.String("driver", cfg.Storage.Driver))
	return nil
}

// ConfigMgo starts the mongo manager on the app's background context and
// waits for its first connection. The manager disconnects when the app closes.
func (a *App) ConfigMgo(ctx context.Context, c config.MongoConfig, conf store.Conf) error {
	mgo.StartAsync(a.bg, &mongoutil.Config{
		Uri:         c.URI,
		Database:    c.Database,
		Username:    c.Username,
		Password:    c.Password,
		MaxPoolSize: c.MaxPoolSize,
		MaxRetry:    3,
	})
	wctx, cancel := context.WithTimeout(ctx, mongoReadyTimeout)
	defer cancel()
	if err := mgo.WaitReady(wctx, mgo.Manager()); err != nil {
		if last := mgo.Err(); last != nil {
			return errs.WrapMsg(last, "mongo not ready")
		}
		return errs.WrapMsg(err, "mongo not ready")
	}
	s := mgo.NewStore(mgo.TryGetDB, conf)
	if err := s.EnsureIndexes(ctx); err != nil {
		return err
	}
	a.Store = s
	logger.Info("[Bootstrap] store ready", zap.String("driver", "mongo"), zap.String("db", c.Database))
	return nil
}

func (a *App) configRelay(cfg *config.AppConfig) (*natsx.Relay, error) {
	cli, err := natsx.NewClient(natsx.Config{
		Servers: cfg.Nats.Servers,
		Name:    cfg.Server.NodeID,
	}, natsx.Recover(), natsx.LogErrors(200*time.Millisecond))
	if err != nil {
		return nil, err
	}
	a.onClose("nats", cli.Close)
	relay := natsx.NewRelay(natsx.RelayConf{
		NodeID: cfg.Server.NodeID,
		Prefix: cfg.Nats.SubjectPrefix,
	}, a.registry, cli)
	if err := relay.Start(); err != nil {
		return nil, err
	}
	logger.Info("[Bootstrap] nats relay started", zap.Strings("servers", cfg.Nats.Servers))
	return relay, nil
}

func configAI(c config.AIConfig) chat.AIStreamer {
	if c.Endpoint == "" {
		logger.Warn("[Bootstrap] no AI endpoint configured, using echo streamer")
		return ai.EchoStreamer{Delay: 20 * time.Millisecond}
	}
	return ai.NewHTTPStreamer(ai.Conf{Endpoint: c.Endpoint, APIKey: c.APIKey, Timeout: c.Timeout})
}

func (a *App) configNacos(cfg *config.AppConfig) error {
	nc := nacos.Config{Host: cfg.Nacos.Host, Port: cfg.Nacos.Port, Namespace: cfg.Nacos.Namespace}
	cc, err := nacos.NewConfigClient(nc)
	if err != nil {
		return err
	}
	a.watcher = nacos.NewWatcher(cc, cfg.Nacos.DataID, cfg.Nacos.Group, cfg.Tunables(), a.ApplyTunables)

	if cfg.Nacos.Register {
		naming, err := nacos.NewNamingClient(nc)
		if err != nil {
			return err
		}
		ip, port := advertiseAddr(cfg.Server.HTTPAddr)
		a.announce = nacos.NewRegistry(naming, cfg.Nacos.ServiceName, ip, port)
	}
	return nil
}

// ApplyTunables pushes a hot-reloaded settings document into the live components.
func (a *App) ApplyTunables(t config.Tunables) {
	a.limiter.SetLimits(t.RateLimitMax, t.RateLimitWindow)
	a.reaper.SetTimeout(t.IdleTimeout)
	a.presence.SetSuppressDuplicateJoins(t.SuppressDuplicateJoins)
	logger.Info("[Bootstrap] tunables applied",
		zap.Int("rate_limit_max", t.RateLimitMax),
		zap.Duration("rate_limit_window", t.RateLimitWindow),
		zap.Duration("idle_timeout", t.IdleTimeout),
		zap.Bool("suppress_duplicate_joins", t.SuppressDuplicateJoins),
	)
}

// advertiseAddr splits the listen address and fills an empty host with the
// first non-loopback IPv4 address of this machine.
func advertiseAddr(listen string) (string, uint64) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "127.0.0.1", 8080
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	if host != "" && host != "0.0.0.0" && host != "::" {
		return host, port
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, ad := range addrs {
			if ipn, ok := ad.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String(), port
			}
		}
	}
	return "127.0.0.1", port
}

func (a *App) routes(tokens security.Options) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog(), a.mids.Use())

	r.GET("/ws/:"+chat.RoomParam, a.Server.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "node": a.Config.Server.NodeID})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adminToken := a.Config.Admin.Token
	if adminToken == "" {
		logger.Warn("[Bootstrap] admin token not set, admin routes disabled")
		return r
	}
	middleware.GET(r, "/admin/stats", a.Server.StatsHandler, middleware.RouteOpt{AdminToken: adminToken})
	h := &admin.Handler{
		Store:  a.Store,
		Tokens: tokens,
		Scopes: []string{"chat"},
		Revoke: func(c *gin.Context, token string) error {
			return a.Auth.Revoke(c.Request.Context(), token)
		},
	}
	h.Register(r, adminToken)
	return r
}
