// Package service accepts peer connections, authenticates them, dispatches their
// requests and starts transfer jobs as a client.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lanshare/config"
	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/registry"
	"lanshare/storage"
	"lanshare/transfer"
)

const (
	// DefaultShutdownGrace is how long Shutdown lets jobs observe cancellation before closing their sockets.
	DefaultShutdownGrace = 3 * time.Second

	finalReplyTimeout = 2 * time.Second
)

var (
	ErrGroupNotFound      = errors.New("service: transfer group not found")
	ErrDeviceNotFound     = errors.New("service: device not found")
	ErrAssigneeNotFound   = errors.New("service: assignee not found")
	ErrConnectionNotFound = errors.New("service: no known connection for device")
	ErrJobNotFound        = errors.New("service: job not running")
	ErrStopped            = errors.New("service: stopped")
)

// Store is the persistence the service needs. *storage.Store implements it.
type Store interface {
	transfer.Store

	PublishDevice(device models.Device) error
	GetDevice(deviceID string) (*models.Device, error)
	PublishConnection(connection models.DeviceConnection) error
	GetConnection(deviceID, adapter string) (*models.DeviceConnection, error)
	LatestConnection(deviceID string) (*models.DeviceConnection, error)

	GetAssignee(groupID int64, deviceID string, direction models.Direction) (*models.Assignee, error)
	RemoveAssignee(assignee models.Assignee) error

	SaveClipboard(clip models.ClipboardText) (int64, error)
}

var _ Store = (*storage.Store)(nil)

// Resolver identifies an unknown peer from its address.
type Resolver interface {
	ResolveByAddress(ctx context.Context, address string) (*models.Device, error)
}

// Updater answers the legacy update probe.
type Updater interface {
	SendUpdate(ctx context.Context, address string) error
}

// PINMatcher verifies the secure key a peer presents.
type PINMatcher interface {
	MatchPIN(pin int) bool
}

// Options configures a Service.
type Options struct {
	Identity      network.Identity
	ListenAddress string
	FilesDir      string

	Store    Store
	State    *config.ServiceState
	PIN      PINMatcher
	Resolver Resolver
	Updater  Updater
	Notifier notify.Notifier
	Bus      *notify.Bus
	Logger   *slog.Logger

	Dial                     network.DialOptions
	ReadTimeout              time.Duration
	DrainTimeout             time.Duration
	ShutdownGrace            time.Duration
	Workers                  int
	MaxConnectionsPerAddress int
}

// Service is the transfer engine of one device.
type Service struct {
	options  Options
	store    Store
	state    *config.ServiceState
	notifier notify.Notifier
	bus      *notify.Bus
	log      *slog.Logger

	registry *registry.Registry
	runner   *transfer.Runner
	indexer  *transfer.Indexer

	server      *network.Server
	pool        *pool
	dropLimiter *rate.Limiter

	identityMu sync.RWMutex
	self       network.Identity

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New validates options and builds a stopped service.
func New(options Options) (*Service, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Identity.DeviceID == "" {
		return nil, errors.New("identity.device_id is required")
	}
	if options.Identity.DeviceName == "" {
		return nil, errors.New("identity.device_name is required")
	}
	if options.FilesDir == "" {
		options.FilesDir = "./files"
	}
	if options.ShutdownGrace <= 0 {
		options.ShutdownGrace = DefaultShutdownGrace
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.State == nil {
		options.State = config.NewServiceState(config.ServiceSnapshot{})
	}
	if options.Notifier == nil {
		options.Notifier = &notify.LogNotifier{Logger: options.Logger}
	}
	if options.Bus == nil {
		options.Bus = notify.NewBus()
	}
	if options.Resolver == nil {
		options.Resolver = &network.Loader{Identity: options.Identity, Dial: options.Dial}
	}
	if options.Dial.ReadTimeout <= 0 {
		options.Dial.ReadTimeout = options.ReadTimeout
	}

	s := &Service{
		options:     options,
		store:       options.Store,
		state:       options.State,
		notifier:    options.Notifier,
		bus:         options.Bus,
		log:         options.Logger.With("component", "service"),
		registry:    registry.New(),
		self:        options.Identity,
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	s.runner = &transfer.Runner{
		Store:        options.Store,
		Registry:     s.registry,
		Notifier:     options.Notifier,
		Bus:          options.Bus,
		Logger:       options.Logger.With("component", "transfer"),
		FilesDir:     options.FilesDir,
		DrainTimeout: options.DrainTimeout,
	}
	s.indexer = &transfer.Indexer{
		Store:    options.Store,
		Registry: s.registry,
		Notifier: options.Notifier,
		Bus:      options.Bus,
		Starter:  s,
		Logger:   options.Logger.With("component", "indexer"),
		FilesDir: options.FilesDir,
	}
	s.state.OnChange(func(snapshot config.ServiceSnapshot) {
		s.bus.Publish(notify.Event{
			Type:      notify.EventServiceStateChanged,
			FastMode:  snapshot.FastMode,
			PinAccess: snapshot.PinAccess,
		})
	})
	return s, nil
}

// Start begins accepting peer connections.
func (s *Service) Start() error {
	if s.ctx != nil {
		return nil
	}
	if err := os.MkdirAll(s.options.FilesDir, 0o700); err != nil {
		return fmt.Errorf("create files dir: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = newPool(s.ctx, s.options.Workers)

	server, err := network.Listen(s.options.ListenAddress, s.handleConn, network.ServerOptions{
		ReadTimeout:              s.options.ReadTimeout,
		MaxConnectionsPerAddress: s.options.MaxConnectionsPerAddress,
		OnDrop:                   s.onDrop,
		OnCountChange: func(open int) {
			metricOpenConnections.Set(float64(open))
		},
	})
	if err != nil {
		s.cancel()
		return err
	}
	s.server = server
	s.registry.SetConnectionCounter(server)
	if tcp, ok := server.Addr().(*net.TCPAddr); ok {
		s.identityMu.Lock()
		if s.self.Port == 0 {
			s.self.Port = tcp.Port
		}
		s.identityMu.Unlock()
	}

	s.log.Info("service started", "address", server.Addr().String(), "device_id", s.options.Identity.DeviceID)
	return nil
}

// Shutdown interrupts every job, gives them ShutdownGrace to stop, then closes
// the remaining sockets and the listener.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.registry.InterruptAll(interrupt.BySystem)

		grace := time.NewTimer(s.options.ShutdownGrace)
		defer grace.Stop()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for len(s.registry.List()) > 0 {
			select {
			case <-ctx.Done():
				break wait
			case <-grace.C:
				break wait
			case <-ticker.C:
			}
		}
		for _, p := range s.registry.Processes() {
			p.Interrupter().ForceClose(interrupt.BySystem)
		}

		s.cancel()
		err = s.server.Close()
		s.pool.Close()

		s.bus.Publish(notify.Event{Type: notify.EventRunningJobListChanged, Running: s.registry.List()})
		s.log.Info("service stopped")
	})
	return err
}

// identity is what this device discloses, including the port it actually listens on.
func (s *Service) identity() network.Identity {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.self
}

// Addr returns the listening address.
func (s *Service) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr().String()
}

// Events subscribes to engine lifecycle events.
func (s *Service) Events(buffer int) (<-chan notify.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// HasOngoingWork reports whether any job, indexing session or inbound connection is active.
func (s *Service) HasOngoingWork() bool {
	return s.registry.HasOngoingWork()
}

// RunningJobs lists the keys of running jobs.
func (s *Service) RunningJobs() []models.JobKey {
	return s.registry.List()
}

// CancelIndexing interrupts the indexing session of groupID.
func (s *Service) CancelIndexing(groupID int64) bool {
	return s.registry.CancelIndexing(groupID)
}

// CancelJob asks the job to stop. A second call on a job that has not stopped yet
// closes its connection.
func (s *Service) CancelJob(groupID int64, deviceID string, direction models.Direction) error {
	p := s.registry.Find(groupID, deviceID, direction)
	if p == nil {
		return ErrJobNotFound
	}
	token := p.Interrupter()
	if token.Interrupted() {
		token.ForceClose(interrupt.ByUser)
		return nil
	}
	token.Interrupt(interrupt.ByUser)
	return nil
}

// ApproveDevice lifts or applies the restriction on a device.
func (s *Service) ApproveDevice(deviceID string, accepted bool) error {
	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	device.Restricted = !accepted
	return s.store.PublishDevice(*device)
}

func (s *Service) onDrop(ip string) {
	metricDroppedConnections.Inc()
	if s.dropLimiter.Allow() {
		s.log.Warn("dropping connection over per-address limit", "ip", ip)
	}
}
