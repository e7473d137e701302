package global

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"PPRealtime/logger"
	"PPRealtime/middleware"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout = 15 * time.Second
	healthService   = "ppr.gateway"
)

// Start launches the background loops: heartbeat, reaper, presence mirror
// and the config watcher. They stop when the app is shut down.
func (a *App) Start() {
	safe.Go("heartbeat", func() { a.heartbeat.Run(a.bg) })
	safe.Go("reaper", func() { a.reaper.Run(a.bg) })
	if a.mirror != nil {
		safe.Go("presence-mirror", func() { a.mirror.Run(a.bg) })
	}
	if a.watcher != nil {
		if err := a.watcher.Start(a.bg); err != nil {
			// keep the static configuration; the listener retries on its own
			logger.Warn("[Bootstrap] nacos watcher not started", zap.Error(err))
		}
	}
	if a.announce != nil {
		meta := map[string]string{"node_id": a.Config.Server.NodeID}
		if err := a.announce.Register(meta); err != nil {
			logger.Warn("[Bootstrap] nacos register failed", zap.Error(err))
		}
	}
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
}

// Run serves HTTP and the gRPC health port until ctx is cancelled or a
// listener fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.Start()

	hs := &http.Server{
		Addr:              a.Config.Server.HTTPAddr,
		Handler:           a.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lis, err := net.Listen("tcp", a.Config.Server.GRPCHealthAddr)
	if err != nil {
		a.release()
		return err
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, a.health)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("[gRPC] health listening", zap.String("addr", a.Config.Server.GRPCHealthAddr))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("[HTTP] listening", zap.String("addr", hs.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("[Bootstrap] shutdown requested")
	case runErr = <-errCh:
		logger.Error("[Bootstrap] listener failed", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Shutdown(sctx)
	if err := hs.Shutdown(sctx); err != nil {
		logger.Warn("[HTTP] shutdown", zap.Error(err))
	}
	gs.GracefulStop()
	a.release()
	return runErr
}

// Shutdown drains the gateway: new requests get 503, health turns
// NOT_SERVING, the instance leaves the registry and every session is closed
// with 1001 while in-flight AI streams are given until ctx to finish.
func (a *App) Shutdown(ctx context.Context) {
	a.mids.Add(middleware.Draining())
	a.health.Shutdown()
	if a.announce != nil {
		a.announce.Deregister()
	}
	if err := a.Server.Shutdown(ctx); err != nil {
		logger.Warn("[Bootstrap] sessions did not drain in time", zap.Error(err))
	}
}

// Close releases every external connection. Use it after Shutdown when the
// app was started without Run.
func (a *App) Close() { a.release() }

func (a *App) release() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			logger.Warn("[Bootstrap] close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	logger.Sync()
}
