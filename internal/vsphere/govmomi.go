package vsphere

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// Connector opens management sessions with govmomi.
type Connector struct {
	insecure bool
	scheme   string
	log      *zap.Logger
}

// NewConnector creates a Connector. insecure skips TLS certificate checks,
// which ESXi hosts with self-signed certificates need.
func NewConnector(insecure bool, log *zap.Logger) *Connector {
	return &Connector{insecure: insecure, scheme: "https", log: log}
}

// Connect logs in to the endpoint's SOAP API.
func (c *Connector) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	u, err := soap.ParseURL(fmt.Sprintf("%s://%s/sdk", c.scheme, net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.User = url.UserPassword(ep.Username, ep.Password)

	sc := soap.NewClient(u, c.insecure)
	sc.Client.Transport = otelhttp.NewTransport(sc.Client.Transport)

	vc, err := vim25.NewClient(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", u.Host, err)
	}

	sm := session.NewManager(vc)
	if err := sm.Login(ctx, u.User); err != nil {
		return nil, fmt.Errorf("login to %s: %w", u.Host, err)
	}

	c.log.Debug("Management session established",
		zap.String("address", u.Host),
		zap.String("product", vc.ServiceContent.About.FullName),
	)

	return &govmomiSession{vc: vc, sm: sm, name: ep.Name, address: ep.Address}, nil
}

type govmomiSession struct {
	vc      *vim25.Client
	sm      *session.Manager
	name    string
	address string
	host    *object.HostSystem
}

func (s *govmomiSession) Product() string {
	return s.vc.ServiceContent.About.FullName
}

// ResolveHost finds the host object. Connected directly to a host there is
// exactly one; otherwise the one named like the endpoint is chosen.
func (s *govmomiSession) ResolveHost(ctx context.Context) (HostInfo, error) {
	m := view.NewManager(s.vc)
	v, err := m.CreateContainerView(ctx, s.vc.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return HostInfo{}, fmt.Errorf("create host view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var hosts []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "parent", "runtime"}, &hosts); err != nil {
		return HostInfo{}, fmt.Errorf("retrieve hosts: %w", err)
	}
	if len(hosts) == 0 {
		return HostInfo{}, ErrHostNotFound
	}

	chosen := hosts[0]
	for _, h := range hosts {
		if h.Name == s.name || h.Name == s.address {
			chosen = h
			break
		}
	}

	s.host = object.NewHostSystem(s.vc, chosen.Self)
	info := HostInfo{
		Name:          chosen.Name,
		InMaintenance: chosen.Runtime.InMaintenanceMode,
	}
	if chosen.Parent != nil {
		info.Clustered = chosen.Parent.Type == "ClusterComputeResource"
		if name, err := object.NewCommon(s.vc, *chosen.Parent).ObjectName(ctx); err == nil {
			info.ParentName = name
		}
	}
	return info, nil
}

func (s *govmomiSession) hostSystem() (*object.HostSystem, error) {
	if s.host == nil {
		return nil, ErrHostNotFound
	}
	return s.host, nil
}

func (s *govmomiSession) serviceSystem(ctx context.Context) (*object.HostServiceSystem, error) {
	h, err := s.hostSystem()
	if err != nil {
		return nil, err
	}
	return h.ConfigManager().ServiceSystem(ctx)
}

func (s *govmomiSession) Services(ctx context.Context) ([]Service, error) {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return nil, err
	}
	list, err := ss.Service(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Service, 0, len(list))
	for _, svc := range list {
		out = append(out, Service{Key: svc.Key, Label: svc.Label, Running: svc.Running, Policy: svc.Policy})
	}
	return out, nil
}

func (s *govmomiSession) StartService(ctx context.Context, key string) error {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return err
	}
	return ss.Start(ctx, key)
}

func (s *govmomiSession) StopService(ctx context.Context, key string) error {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return err
	}
	return ss.Stop(ctx, key)
}

func (s *govmomiSession) UpdateServicePolicy(ctx context.Context, key, policy string) error {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return err
	}
	return ss.UpdatePolicy(ctx, key, policy)
}

func (s *govmomiSession) InMaintenanceMode(ctx context.Context) (bool, error) {
	h, err := s.hostSystem()
	if err != nil {
		return false, err
	}
	var hs mo.HostSystem
	if err := h.Properties(ctx, h.Reference(), []string{"runtime.inMaintenanceMode"}, &hs); err != nil {
		return false, err
	}
	return hs.Runtime.InMaintenanceMode, nil
}

func (s *govmomiSession) EnterMaintenanceMode(ctx context.Context, graceSeconds int32) (Task, error) {
	h, err := s.hostSystem()
	if err != nil {
		return nil, err
	}
	t, err := h.EnterMaintenanceMode(ctx, graceSeconds, false, nil)
	if err != nil {
		return nil, err
	}
	return govmomiTask{t}, nil
}

func (s *govmomiSession) ExitMaintenanceMode(ctx context.Context, graceSeconds int32) (Task, error) {
	h, err := s.hostSystem()
	if err != nil {
		return nil, err
	}
	t, err := h.ExitMaintenanceMode(ctx, graceSeconds)
	if err != nil {
		return nil, err
	}
	return govmomiTask{t}, nil
}

func (s *govmomiSession) Reboot(ctx context.Context) error {
	h, err := s.hostSystem()
	if err != nil {
		return err
	}
	_, err = methods.RebootHost_Task(ctx, s.vc, &types.RebootHost_Task{This: h.Reference(), Force: false})
	return err
}

func (s *govmomiSession) Logout(ctx context.Context) error {
	return s.sm.Logout(ctx)
}

type govmomiTask struct {
	t *object.Task
}

func (g govmomiTask) Info(ctx context.Context) (TaskInfo, error) {
	var t mo.Task
	if err := g.t.Properties(ctx, g.t.Reference(), []string{"info"}, &t); err != nil {
		return TaskInfo{}, err
	}
	info := TaskInfo{State: TaskState(t.Info.State)}
	if t.Info.Error != nil {
		info.Message = t.Info.Error.LocalizedMessage
	}
	return info, nil
}
