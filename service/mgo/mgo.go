package mgo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/data/database/mgo/mongoutil"
	"PPRealtime/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MongoManager struct {
	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // closed once, on the first successful connect
	readyOnce sync.Once

	lastErr atomic.Value // error
}

var globalMgr = MongoManager{readyCh: make(chan struct{})}

// StartAsync keeps a client connected until ctx is done, reconnecting with
// backoff after repeated ping failures.
func StartAsync(ctx context.Context, cfg *mongoutil.Config) {
	go globalMgr.run(ctx, cfg)
}

func (m *MongoManager) run(ctx context.Context, cfg *mongoutil.Config) {
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
		healthEvery = 10 * time.Second
		failThresh  = 3
	)

	for {
		// ===== 连接阶段（带退避重试） =====
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}
			cli, err := mongoutil.NewMongoDB(ctx, cfg)
			if err == nil {
				m.setClient(cli)
				m.readyOnce.Do(func() { close(m.readyCh) })
				logger.Info("[Mongo] connected", zap.String("db", cfg.Database))
				break
			}
			m.lastErr.Store(err)

			backoff := baseBackoff << attempt
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
			logger.Warn("[Mongo] connect failed", zap.Error(err), zap.Duration("retry_in", backoff-jitter/2))

			timer := time.NewTimer(backoff - jitter/2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if attempt < 6 {
				attempt++
			}
		}

		// ===== 健康检查阶段（保持/掉线→重连）=====
		if !m.watch(ctx, healthEvery, failThresh) {
			return
		}
	}
}

// watch pings until the connection is declared lost (true) or ctx ends (false).
func (m *MongoManager) watch(ctx context.Context, every time.Duration, failThresh int) bool {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return false
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return true
			}
			if err := c.GetDB().Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					logger.Error("[Mongo] connection lost, reconnecting", zap.Error(err))
					m.drop()
					return true
				}
				continue
			}
			fail = 0
		}
	}
}

func (m *MongoManager) setClient(c *mongoutil.Client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

// TryGetDB returns the database of the current connection, if any. It is a
// database.DBFunc, so stores built on it follow reconnects.
func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

func (m *MongoManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready is closed after the first successful connect.
func Ready() <-chan struct{} {
	return globalMgr.readyCh
}

func Manager() *MongoManager {
	return &globalMgr
}

// Err returns the most recent connect or ping error.
func Err() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func TryGetDB() (*mongo.Database, bool) {
	return globalMgr.TryGetDB()
}

// WaitReady blocks until m has connected once or ctx ends.
func WaitReady(ctx context.Context, m *MongoManager) error {
	m.mu.RLock()
	readyCh := m.readyCh
	connected := m.client != nil
	m.mu.RUnlock()

	if connected {
		return nil
	}
	if readyCh == nil {
		return fmt.Errorf("mongo manager not started")
	}
	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		if err := Err(); err != nil {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		return ctx.Err()
	}
}
