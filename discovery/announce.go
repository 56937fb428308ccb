// Package discovery announces this device over mDNS and keeps the addresses of known peers current.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService  = "_lanshare._tcp"
	DefaultDomain   = "local."
	DefaultInterval = 10 * time.Second
	DefaultWindow   = 3 * time.Second
	// DefaultTTL is the record TTL in seconds.
	DefaultTTL = 120

	// Adapter is the connection adapter recorded for addresses learned over mDNS.
	Adapter = "mdns"

	protocolVersion = 1
)

// TXT record keys.
const (
	keyDeviceID   = "device_id"
	keyVersion    = "version"
	keyAppVersion = "app_version"
)

type (
	registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
	browseFunc   func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
)

// Options tunes the service name and timing. Zero fields take the defaults.
type Options struct {
	Service string
	Domain  string
	// Interval separates the start of two browse windows.
	Interval time.Duration
	// Window is how long one browse listens for answers.
	Window time.Duration
	TTL    uint32
}

func (o Options) normalized() Options {
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Announcement is what this device publishes about itself.
type Announcement struct {
	DeviceID   string
	DeviceName string
	AppVersion string
	Port       int
}

func (a Announcement) validate() error {
	switch {
	case strings.TrimSpace(a.DeviceID) == "":
		return errors.New("discovery: device ID is required")
	case strings.TrimSpace(a.DeviceName) == "":
		return errors.New("discovery: device name is required")
	case a.Port <= 0 || a.Port > 65535:
		return fmt.Errorf("discovery: invalid port %d", a.Port)
	}
	return nil
}

func (a Announcement) text() []string {
	text := []string{
		keyDeviceID + "=" + a.DeviceID,
		keyVersion + "=" + strconv.Itoa(protocolVersion),
	}
	if a.AppVersion != "" {
		text = append(text, keyAppVersion+"="+a.AppVersion)
	}
	return text
}

// parseText reads key=value TXT strings. Later duplicates win; entries without '=' are ignored.
func parseText(text []string) map[string]string {
	values := make(map[string]string, len(text))
	for _, field := range text {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	return values
}

// Advertiser keeps an announcement registered until Close.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a on every multicast interface.
func Advertise(a Announcement, opts Options) (*Advertiser, error) {
	return advertise(a, opts, zeroconf.Register)
}

func advertise(a Announcement, opts Options, register registerFunc) (*Advertiser, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	opts = opts.normalized()
	server, err := register(a.DeviceName, opts.Service, opts.Domain, a.Port, a.text(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(opts.TTL)
	}
	return &Advertiser{server: server}, nil
}

// Close withdraws the announcement.
func (a *Advertiser) Close() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
