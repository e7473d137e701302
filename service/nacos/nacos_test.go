package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPRealtime/global/config"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	doc       string
	getErr    error
	onChange  func(namespace, group, dataId, data string)
	cancelled chan struct{}
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.doc, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.onChange = p.OnChange
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	close(f.cancelled)
	return nil
}

func (f *fakeSource) push(doc string) {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	cb("", "g", "d", doc)
}

var base = config.Tunables{RateLimitMax: 30, RateLimitWindow: time.Minute, IdleTimeout: 5 * time.Minute}

func TestWatcherAppliesInitialAndChanges(t *testing.T) {
	src := &fakeSource{doc: "rate_limit_max: 10\n", cancelled: make(chan struct{})}
	var applied []config.Tunables
	w := NewWatcher(src, "d", "g", base, func(tn config.Tunables) { applied = append(applied, tn) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	require.Len(t, applied, 1)
	assert.Equal(t, 10, applied[0].RateLimitMax)
	assert.Equal(t, time.Minute, applied[0].RateLimitWindow)

	src.push("idle_timeout: 90s\nsuppress_duplicate_joins: true\n")
	require.Len(t, applied, 2)
	assert.Equal(t, 90*time.Second, applied[1].IdleTimeout)
	assert.True(t, applied[1].SuppressDuplicateJoins)
	assert.Equal(t, 30, applied[1].RateLimitMax, "keys absent from the document fall back to the base")

	src.push("idle_timeout: 90s\nsuppress_duplicate_joins: true\n")
	assert.Len(t, applied, 2, "unchanged document is not re-applied")

	src.push("rate_limit_maxx: 3\n")
	assert.Len(t, applied, 2, "bad document is ignored")
	assert.Equal(t, applied[1], w.Current())

	cancel()
	select {
	case <-src.cancelled:
	case <-time.After(time.Second):
		t.Fatal("listener not cancelled")
	}
}

func TestWatcherStartFails(t *testing.T) {
	src := &fakeSource{getErr: errors.New("down"), cancelled: make(chan struct{})}
	w := NewWatcher(src, "d", "g", base, func(config.Tunables) { t.Fatal("applied") })
	assert.Error(t, w.Start(context.Background()))
}

type fakeNaming struct {
	registered   []vo.RegisterInstanceParam
	deregistered int
	reject       bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	if f.reject {
		return false, nil
	}
	f.registered = append(f.registered, p)
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.deregistered++
	return true, nil
}

func TestRegistry(t *testing.T) {
	fn := &fakeNaming{}
	r := NewRegistry(fn, "ppr-gateway", "10.0.0.1", 8080)

	r.Deregister()
	assert.Equal(t, 0, fn.deregistered)

	require.NoError(t, r.Register(map[string]string{"node": "a"}))
	require.NoError(t, r.Register(map[string]string{"node": "a", "ws": "/ws"}))
	assert.Len(t, fn.registered, 2)
	assert.Equal(t, 1, fn.deregistered, "re-register replaces the old instance")
	assert.Equal(t, "ppr-gateway", fn.registered[1].ServiceName)
	assert.Equal(t, uint64(8080), fn.registered[1].Port)

	r.Deregister()
	r.Deregister()
	assert.Equal(t, 2, fn.deregistered)

	fn.reject = true
	assert.Error(t, r.Register(nil))
}
