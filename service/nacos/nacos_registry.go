package nacos

import (
	"IMCore/logger"
	"IMCore/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming naming_client.INamingClient 里用到的部分
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry 把本网关实例（HTTP/WS 入口）登记成临时实例，进程退出时注销
type Registry struct {
	cli         Naming
	ServiceName string
	Group       string
	IP          string
	Port        uint64
	Metadata    map[string]string
	log         *zap.Logger
}

func NewRegistry(cli Naming, serviceName, group, ip string, port uint64, metadata map[string]string) *Registry {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Registry{cli: cli, ServiceName: serviceName, Group: group, IP: ip, Port: port, Metadata: metadata, log: logger.Named("nacos.registry")}
}

func (r *Registry) Register() error {
	ok, err := r.cli.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.ServiceName)
	}
	if !ok {
		return errs.ErrTransient.WrapMsg("nacos register returned false", "service", r.ServiceName)
	}
	r.log.Info("instance registered", zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() error {
	ok, err := r.cli.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.ServiceName)
	}
	if !ok {
		r.log.Warn("instance not found on deregister", zap.String("service", r.ServiceName))
	}
	return nil
}
