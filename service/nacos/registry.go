package nacos

import (
	"sync"

	"github.com/golang/glog"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	pkgerrors "github.com/pkg/errors"
)

// Registrar is the part of the nacos naming client the registry uses.
type Registrar interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry announces this gateway instance so load balancers can find it.
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string

	client Registrar

	mu         sync.Mutex
	registered bool
}

func NewRegistry(client Registrar, serviceName, ip string, port uint64) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		client:      client,
	}
}

// Register (re)announces the instance with metadata, replacing a previous registration.
func (r *Registry) Register(metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		r.deregisterLocked()
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    metadata,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "register instance")
	}
	if !ok {
		return pkgerrors.New("register instance: rejected")
	}
	r.registered = true
	glog.Infof("[Nacos] registered %s at %s:%d", r.ServiceName, r.IP, r.Port)
	return nil
}

// Deregister withdraws the instance. Safe to call when not registered.
func (r *Registry) Deregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		r.deregisterLocked()
	}
}

func (r *Registry) deregisterLocked() {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil || !ok {
		glog.Warningf("[Nacos] deregister %s failed: ok=%v err=%v", r.ServiceName, ok, err)
	}
	r.registered = false
}
