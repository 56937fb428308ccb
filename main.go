package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lanshare/config"
	"lanshare/crypto"
	"lanshare/discovery"
	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/service"
	"lanshare/storage"
)

const appVersion = "1.0.0"

type cli struct {
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)." placeholder:"LEVEL" env:"LANSHARE_LOG_LEVEL"`

	Serve    serveCmd    `cmd:"" default:"1" help:"Accept transfers from peers until interrupted."`
	Send     sendCmd     `cmd:"" help:"Offer files or directories to a peer and serve them."`
	Clip     clipCmd     `cmd:"" help:"Share clipboard text with a peer."`
	Respond  respondCmd  `cmd:"" help:"Accept or decline a pending incoming offer."`
	Approve  approveCmd  `cmd:"" help:"Lift or apply the restriction on a known device."`
	Devices  devicesCmd  `cmd:"" help:"List known devices."`
	Discover discoverCmd `cmd:"" help:"Browse the local network for peers once."`
	Texts    textsCmd    `cmd:"" help:"List received clipboard texts."`
	Pin      pinCmd      `cmd:"" help:"Manage the network PIN."`
}

// app is shared by every command.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	store   *storage.Store
	logger  *slog.Logger
}

func main() {
	var params cli
	kctx := kong.Parse(&params,
		kong.Name("lanshare"),
		kong.Description("Share files and clipboard text with devices on the local network."),
		kong.UsageOnError(),
	)

	// Logging starts at info so config errors are visible before the configured level is known.
	charmLogger := log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel, ReportTimestamp: true})
	slog.SetDefault(slog.New(charmLogger))

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		slog.Error("startup failed while loading config", "error", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if params.LogLevel != "" {
		level = params.LogLevel
	}
	if parsed, err := log.ParseLevel(level); err == nil {
		charmLogger.SetLevel(parsed)
		charmLogger.SetReportCaller(parsed == log.DebugLevel)
	} else {
		slog.Warn("unknown log level, using info", "level", level)
	}

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		slog.Error("startup failed while opening database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}
	}()

	a := &app{cfg: cfg, cfgPath: cfgPath, store: store, logger: slog.Default()}
	if err := kctx.Run(a); err != nil {
		slog.Error("command failed", "command", kctx.Command(), "error", err)
		_ = store.Close()
		os.Exit(1)
	}
}

// newService builds an engine listening on port. Port 0 picks an ephemeral port.
func (a *app) newService(port int) (*service.Service, error) {
	snapshot := config.ServiceSnapshot{
		FastMode:  a.cfg.FastMode,
		QRTrust:   a.cfg.QRTrust,
		PinAccess: a.cfg.PINConfigured(),
	}
	var pin service.PINMatcher
	if a.cfg.PINConfigured() {
		pin = a.cfg
	}
	return service.New(service.Options{
		Identity: network.Identity{
			DeviceID:   a.cfg.DeviceID,
			DeviceName: a.cfg.DeviceName,
			AppVersion: appVersion,
		},
		ListenAddress: net.JoinHostPort("", strconv.Itoa(port)),
		FilesDir:      a.cfg.FilesDir,
		Store:         a.store,
		State:         config.NewServiceState(snapshot),
		PIN:           pin,
		Notifier:      &notify.LogNotifier{Logger: a.logger.With("component", "notify")},
		Logger:        a.logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func shutdown(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

// optionalPIN maps the negative flag default to no PIN.
func optionalPIN(value int) *int {
	if value < 0 {
		return nil
	}
	return &value
}

// waitForJob blocks until the job of groupID stops or ctx is done.
func waitForJob(ctx context.Context, events <-chan notify.Event, groupID int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if event.Type == notify.EventJobStatusChanged && event.Job.GroupID == groupID && event.Status == notify.JobStopped {
				return nil
			}
		}
	}
}

type serveCmd struct {
	NoDiscovery bool `help:"Do not advertise or scan over mDNS."`
}

func (c *serveCmd) Run(a *app) error {
	svc, err := a.newService(a.cfg.ListeningPort)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer shutdown(svc)

	fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", a.cfg.DeviceName)
	fmt.Printf("Listening:       %s\n", svc.Addr())
	fmt.Printf("Files Directory: %s\n", a.cfg.FilesDir)
	fmt.Printf("Config File:     %s\n", a.cfgPath)

	ctx, stop := signalContext()
	defer stop()

	if a.cfg.MetricsAddress != "" {
		server := &http.Server{Addr: a.cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
		fmt.Printf("Metrics:         http://%s/metrics\n", a.cfg.MetricsAddress)
	}

	if !c.NoDiscovery {
		announcement := discovery.Announcement{
			DeviceID:   a.cfg.DeviceID,
			DeviceName: a.cfg.DeviceName,
			AppVersion: appVersion,
			Port:       a.cfg.ListeningPort,
		}
		advertiser, err := discovery.Advertise(announcement, discovery.Options{})
		if err != nil {
			slog.Warn("mDNS announcement failed", "error", err)
		} else {
			defer advertiser.Close()
		}
		watcher, err := discovery.NewWatcher(a.store, a.cfg.DeviceID, discovery.Options{})
		if err != nil {
			slog.Warn("mDNS browsing unavailable", "error", err)
		} else {
			watcher.Logger = a.logger.With("component", "discovery")
			go watcher.Run(ctx)
		}
		if advertiser != nil || watcher != nil {
			fmt.Println("Discovery:       running")
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

type sendCmd struct {
	Address string   `arg:"" help:"Peer address, host or host:port."`
	Paths   []string `arg:"" type:"path" help:"Files or directories to offer."`
	Pin     int      `help:"The peer's network PIN." default:"-1"`
}

func (c *sendCmd) Run(a *app) error {
	svc, err := a.newService(0)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer shutdown(svc)

	events, unsubscribe := svc.Events(256)
	defer unsubscribe()

	ctx, stop := signalContext()
	defer stop()

	group, err := svc.Offer(ctx, c.Address, optionalPIN(c.Pin), c.Paths)
	if err != nil {
		return err
	}
	fmt.Printf("Offered %q as group %d, waiting for the peer (press Ctrl+C to stop)\n", group.Name, group.ID)
	if err := waitForJob(ctx, events, group.ID); err != nil {
		return err
	}
	objects, err := a.store.ListObjects(group.ID, models.DirectionOutgoing)
	if err != nil {
		return err
	}
	for _, object := range objects {
		fmt.Printf("%-12s %s\n", object.Flag, object.Name)
	}
	return nil
}

type clipCmd struct {
	Address string `arg:"" help:"Peer address, host or host:port."`
	Text    string `arg:"" help:"Text to share."`
	Pin     int    `help:"The peer's network PIN." default:"-1"`
}

func (c *clipCmd) Run(a *app) error {
	svc, err := a.newService(0)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer shutdown(svc)

	ctx, stop := signalContext()
	defer stop()
	return svc.SendClipboard(ctx, c.Address, optionalPIN(c.Pin), c.Text)
}

type respondCmd struct {
	Group   int64  `arg:"" help:"Incoming transfer group ID."`
	Device  string `arg:"" help:"Offering device ID."`
	Decline bool   `help:"Decline instead of accepting."`
}

func (c *respondCmd) Run(a *app) error {
	svc, err := a.newService(0)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	defer shutdown(svc)

	events, unsubscribe := svc.Events(256)
	defer unsubscribe()

	ctx, stop := signalContext()
	defer stop()

	if err := svc.RespondToOffer(ctx, c.Group, c.Device, !c.Decline); err != nil {
		return err
	}
	if c.Decline {
		fmt.Println("Offer declined")
		return nil
	}
	return waitForJob(ctx, events, c.Group)
}

type approveCmd struct {
	Device string `arg:"" help:"Device ID."`
	Deny   bool   `help:"Restrict the device instead."`
}

func (c *approveCmd) Run(a *app) error {
	svc, err := a.newService(0)
	if err != nil {
		return err
	}
	return svc.ApproveDevice(c.Device, !c.Deny)
}

type devicesCmd struct{}

func (c *devicesCmd) Run(a *app) error {
	devices, err := a.store.ListDevices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		state := "allowed"
		if device.Restricted {
			state = "restricted"
		}
		fmt.Printf("%-36s %-24s %-10s %s\n", device.ID, device.Name, state, time.UnixMilli(device.LastUsage).Format(time.DateTime))
	}
	return nil
}

type discoverCmd struct {
	Window time.Duration `help:"How long to listen for announcements." default:"3s"`
}

func (c *discoverCmd) Run(a *app) error {
	watcher, err := discovery.NewWatcher(a.store, a.cfg.DeviceID, discovery.Options{Window: c.Window})
	if err != nil {
		return err
	}
	watcher.Logger = a.logger.With("component", "discovery")

	ctx, stop := signalContext()
	defer stop()
	sightings, err := watcher.Scan(ctx)
	if err != nil {
		return err
	}
	for _, sighting := range sightings {
		state := "new"
		if sighting.Known {
			state = "known"
		}
		fmt.Printf("%-36s %-24s %-6s %s\n", sighting.DeviceID(), sighting.DeviceName, state, sighting.Connection.Address)
	}
	return nil
}

type textsCmd struct{}

func (c *textsCmd) Run(a *app) error {
	clips, err := a.store.ListClipboard()
	if err != nil {
		return err
	}
	for _, clip := range clips {
		fmt.Printf("%s  %s\n  %s\n", time.UnixMilli(clip.DateReceived).Format(time.DateTime), clip.DeviceID, clip.Text)
	}
	return nil
}

type pinCmd struct {
	Set   pinSetCmd   `cmd:"" help:"Set the network PIN. A random one is generated when omitted."`
	Clear pinClearCmd `cmd:"" help:"Revoke the network PIN."`
}

type pinSetCmd struct {
	Value int `arg:"" optional:"" default:"-1" help:"PIN digits."`
}

func (c *pinSetCmd) Run(a *app) error {
	value := c.Value
	if value < 0 {
		generated, err := crypto.GeneratePIN()
		if err != nil {
			return err
		}
		value = generated
	}
	if err := a.cfg.SetPIN(value); err != nil {
		return err
	}
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		return err
	}
	fmt.Printf("Network PIN: %d\n", value)
	return nil
}

type pinClearCmd struct{}

func (c *pinClearCmd) Run(a *app) error {
	a.cfg.ClearPIN()
	return config.Save(a.cfgPath, a.cfg)
}
