package nacos

import (
	"context"
	"sync"

	"PPRealtime/global/config"

	"github.com/golang/glog"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	pkgerrors "github.com/pkg/errors"
)

// ConfigSource is the part of the nacos config client the watcher uses.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher loads the tunables document and re-applies it on every change.
// A document that fails to parse is logged and ignored; the last good
// tunables stay in force.
type Watcher struct {
	src    ConfigSource
	dataID string
	group  string
	apply  func(config.Tunables)

	mu      sync.Mutex
	base    config.Tunables
	current config.Tunables
}

func NewWatcher(src ConfigSource, dataID, group string, base config.Tunables, apply func(config.Tunables)) *Watcher {
	return &Watcher{src: src, dataID: dataID, group: group, apply: apply, base: base, current: base}
}

// Start applies the current document and listens until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	param := vo.ConfigParam{DataId: w.dataID, Group: w.group}
	content, err := w.src.GetConfig(param)
	if err != nil {
		return pkgerrors.Wrapf(err, "get config %s/%s", w.group, w.dataID)
	}
	w.update(content)

	param.OnChange = func(_, group, dataID, data string) {
		glog.Infof("[Nacos] config changed %s/%s", group, dataID)
		w.update(data)
	}
	if err := w.src.ListenConfig(param); err != nil {
		return pkgerrors.Wrapf(err, "listen config %s/%s", w.group, w.dataID)
	}
	go func() {
		<-ctx.Done()
		_ = w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	}()
	return nil
}

func (w *Watcher) update(doc string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := config.ParseTunables(doc, w.base)
	if err != nil {
		glog.Warningf("[Nacos] ignoring tunables %s/%s: %v", w.group, w.dataID, err)
		return
	}
	if t == w.current {
		return
	}
	w.current = t
	glog.Infof("[Nacos] applying tunables %+v", t)
	w.apply(t)
}

// Current returns the tunables in force.
func (w *Watcher) Current() config.Tunables {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
