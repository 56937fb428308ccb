package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/models"
	"lanshare/storage"
)

// Store is where the watcher looks up known devices and records their addresses.
type Store interface {
	GetDevice(deviceID string) (*models.Device, error)
	PublishConnection(connection models.DeviceConnection) error
}

// Sighting is one peer answering during a browse window.
// Connection carries the adapter and dialable address; LastCheck is set when it is recorded.
type Sighting struct {
	DeviceName string
	AppVersion string
	Known      bool
	Connection models.DeviceConnection
}

// DeviceID returns the announced device ID.
func (s Sighting) DeviceID() string { return s.Connection.DeviceID }

// sightingFrom drops entries that announce this device, lack a device ID, or carry no usable address.
func sightingFrom(entry *zeroconf.ServiceEntry, self string) (Sighting, bool) {
	values := parseText(entry.Text)
	id := values[keyDeviceID]
	if id == "" || id == self || entry.Port <= 0 || entry.Port > 65535 {
		return Sighting{}, false
	}
	host, ok := preferredHost(entry)
	if !ok {
		return Sighting{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = id
	}
	return Sighting{
		DeviceName: name,
		AppVersion: values[keyAppVersion],
		Connection: models.DeviceConnection{
			DeviceID: id,
			Adapter:  Adapter,
			Address:  net.JoinHostPort(host, strconv.Itoa(entry.Port)),
		},
	}, true
}

// preferredHost picks the first IPv4 address, then the first IPv6 one.
func preferredHost(entry *zeroconf.ServiceEntry) (string, bool) {
	for _, family := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range family {
			if len(ip) > 0 && !ip.IsUnspecified() {
				return ip.String(), true
			}
		}
	}
	return "", false
}

// Watcher browses for peers once per interval and records the current address of every
// known device it sees. Unknown devices are only reported; they are stored when they first connect.
type Watcher struct {
	Store   Store
	Logger  *slog.Logger
	Self    string
	Options Options
	Now     func() time.Time

	browse browseFunc

	mu      sync.Mutex
	visible map[string]Sighting
}

// NewWatcher binds a watcher to the system mDNS resolver.
func NewWatcher(store Store, self string, opts Options) (*Watcher, error) {
	if strings.TrimSpace(self) == "" {
		return nil, errors.New("discovery: self device ID is required")
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return &Watcher{Store: store, Self: self, Options: opts, browse: resolver.Browse}, nil
}

// Run browses until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Options.normalized().Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			w.log().Warn("mDNS browse failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan listens for one window, records what it saw and returns the peers ordered by name.
func (w *Watcher) Scan(ctx context.Context) ([]Sighting, error) {
	if w.browse == nil {
		return nil, errors.New("discovery: watcher has no resolver")
	}
	opts := w.Options.normalized()
	window, cancel := context.WithTimeout(ctx, opts.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]Sighting)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		in := entries
		for {
			select {
			case <-window.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if sighting, ok := sightingFrom(entry, w.Self); ok {
					seen[sighting.DeviceID()] = sighting
				}
			}
		}
	}()

	// The resolver reports the end of its window as a context error.
	if err := w.browse(window, opts.Service, opts.Domain, entries); err != nil && window.Err() == nil {
		cancel()
		<-collected
		return nil, fmt.Errorf("browse %s: %w", opts.Service, err)
	}
	<-window.Done()
	<-collected
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.reconcile(seen), nil
}

// Visible returns the peers of the latest completed window ordered by name.
func (w *Watcher) Visible() []Sighting {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedSightings(w.visible)
}

// reconcile records every known sighting and replaces the visible set.
func (w *Watcher) reconcile(seen map[string]Sighting) []Sighting {
	now := w.now().UnixMilli()
	for id, sighting := range seen {
		known, err := w.record(&sighting, now)
		if err != nil {
			w.log().Warn("record discovered peer", "device_id", id, "error", err)
		}
		sighting.Known = known
		seen[id] = sighting
	}

	w.mu.Lock()
	previous := w.visible
	w.visible = seen
	w.mu.Unlock()

	for id, sighting := range seen {
		if _, ok := previous[id]; !ok {
			w.log().Info("peer appeared", "device_id", id, "name", sighting.DeviceName,
				"address", sighting.Connection.Address, "known", sighting.Known)
		}
	}
	for id := range previous {
		if _, ok := seen[id]; !ok {
			w.log().Debug("peer left", "device_id", id)
		}
	}
	metricVisiblePeers.Set(float64(len(seen)))
	return sortedSightings(seen)
}

// record stores the sighting's address when its device is already known.
func (w *Watcher) record(sighting *Sighting, now int64) (bool, error) {
	if _, err := w.Store.GetDevice(sighting.DeviceID()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	sighting.Connection.LastCheck = now
	if err := w.Store.PublishConnection(sighting.Connection); err != nil {
		return true, err
	}
	metricRecordedAddresses.Inc()
	return true, nil
}

func sortedSightings(set map[string]Sighting) []Sighting {
	out := make([]Sighting, 0, len(set))
	for _, sighting := range set {
		out = append(out, sighting)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID() < out[j].DeviceID()
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (w *Watcher) log() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Watcher) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}
