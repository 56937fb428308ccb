package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/models"
	"lanshare/storage"
)

func newWatcherStore(t *testing.T, known ...string) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, id := range known {
		if err := store.PublishDevice(models.Device{ID: id, Name: id}); err != nil {
			t.Fatalf("publish device %s: %v", id, err)
		}
	}
	return store
}

// answering returns a browse func that replays the entries of the nth call and waits out the window.
func answering(calls *int32, rounds ...[]*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
		n := int(atomic.AddInt32(calls, 1)) - 1
		if n >= len(rounds) {
			n = len(rounds) - 1
		}
		for _, entry := range rounds[n] {
			entries <- entry
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func testEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: DefaultService, Domain: DefaultDomain},
		HostName:      instance + ".local.",
		Port:          port,
		Text:          []string{"device_id=" + deviceID, "version=1", "app_version=1.0.0"},
		AddrIPv4:      []net.IP{net.ParseIP(ip)},
	}
}

func TestSightingFromEntryPrefersIPv4(t *testing.T) {
	entry := testEntry("peer-1", "Bob", 1128, "10.0.0.2")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	sighting, ok := sightingFrom(entry, "self")
	if !ok {
		t.Fatalf("expected entry to be accepted")
	}
	want := models.DeviceConnection{DeviceID: "peer-1", Adapter: Adapter, Address: "10.0.0.2:1128"}
	if sighting.Connection != want || sighting.DeviceName != "Bob" || sighting.AppVersion != "1.0.0" {
		t.Fatalf("unexpected sighting %+v", sighting)
	}

	entry.AddrIPv4 = nil
	entry.Instance = ""
	sighting, ok = sightingFrom(entry, "self")
	if !ok || sighting.Connection.Address != "[fe80::1]:1128" || sighting.DeviceName != "Bob.local" {
		t.Fatalf("unexpected IPv6 sighting %+v", sighting)
	}
}

func TestSightingFromEntryDropsUnusableEntries(t *testing.T) {
	noID := testEntry("peer-1", "Bob", 1128, "10.0.0.2")
	noID.Text = []string{"version=1"}
	noAddress := testEntry("peer-1", "Bob", 1128, "10.0.0.2")
	noAddress.AddrIPv4 = []net.IP{net.IPv4zero}

	cases := map[string]*zeroconf.ServiceEntry{
		"self":       testEntry("self", "Me", 1128, "10.0.0.1"),
		"no id":      noID,
		"no port":    testEntry("peer-1", "Bob", 0, "10.0.0.2"),
		"no address": noAddress,
	}
	for name, entry := range cases {
		if _, ok := sightingFrom(entry, "self"); ok {
			t.Fatalf("%s: expected entry to be dropped", name)
		}
	}
}

func TestWatcherScanRecordsKnownDevicesOnly(t *testing.T) {
	store := newWatcherStore(t, "peer-1")
	var calls int32
	watcher := &Watcher{
		Store:   store,
		Self:    "self",
		Options: Options{Window: 30 * time.Millisecond},
		Now:     func() time.Time { return time.UnixMilli(5000) },
		browse: answering(&calls, []*zeroconf.ServiceEntry{
			testEntry("self", "Me", 1128, "10.0.0.1"),
			testEntry("stranger", "Zed", 1128, "10.0.0.9"),
			testEntry("peer-1", "Bob", 1128, "10.0.0.2"),
		}),
	}

	sightings, err := watcher.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(sightings) != 2 || sightings[0].DeviceID() != "peer-1" || sightings[1].DeviceID() != "stranger" {
		t.Fatalf("unexpected sightings %+v", sightings)
	}
	if !sightings[0].Known || sightings[1].Known {
		t.Fatalf("unexpected known flags %+v", sightings)
	}

	connection, err := store.GetConnection("peer-1", Adapter)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if connection.Address != "10.0.0.2:1128" || connection.LastCheck != 5000 {
		t.Fatalf("unexpected connection %+v", connection)
	}
	if _, err := store.LatestConnection("stranger"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no connection for an unknown device, got %v", err)
	}
	if _, err := store.GetDevice("stranger"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected unknown device to stay unknown, got %v", err)
	}
}

func TestWatcherScanTracksMovesAndDepartures(t *testing.T) {
	store := newWatcherStore(t, "peer-1", "peer-2")
	var calls int32
	watcher := &Watcher{
		Store:   store,
		Self:    "self",
		Options: Options{Window: 20 * time.Millisecond},
		browse: answering(&calls,
			[]*zeroconf.ServiceEntry{
				testEntry("peer-1", "Bob", 1128, "10.0.0.2"),
				testEntry("peer-2", "Carol", 1128, "10.0.0.3"),
			},
			[]*zeroconf.ServiceEntry{
				testEntry("peer-2", "Carol", 1130, "10.0.0.7"),
			},
		),
	}

	if _, err := watcher.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	if visible := watcher.Visible(); len(visible) != 2 {
		t.Fatalf("expected two visible peers, got %+v", visible)
	}

	if _, err := watcher.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	visible := watcher.Visible()
	if len(visible) != 1 || visible[0].DeviceID() != "peer-2" {
		t.Fatalf("expected only peer-2 to stay visible, got %+v", visible)
	}
	connection, err := store.GetConnection("peer-2", Adapter)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if connection.Address != "10.0.0.7:1130" {
		t.Fatalf("expected the moved address to be recorded, got %q", connection.Address)
	}
}

func TestWatcherScanReportsBrowseFailure(t *testing.T) {
	watcher := &Watcher{
		Store:   newWatcherStore(t),
		Self:    "self",
		Options: Options{Window: time.Second},
		browse: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	}

	if _, err := watcher.Scan(context.Background()); err == nil {
		t.Fatalf("expected browse failure to surface")
	}
	if visible := watcher.Visible(); len(visible) != 0 {
		t.Fatalf("expected no visible peers, got %+v", visible)
	}
	if _, err := (&Watcher{}).Scan(context.Background()); err == nil {
		t.Fatalf("expected an error without a resolver")
	}
}

func TestWatcherScanStopsWithContext(t *testing.T) {
	var calls int32
	watcher := &Watcher{
		Store:   newWatcherStore(t, "peer-1"),
		Self:    "self",
		Options: Options{Window: time.Minute},
		browse:  answering(&calls, []*zeroconf.ServiceEntry{testEntry("peer-1", "Bob", 1128, "10.0.0.2")}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := watcher.Scan(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if visible := watcher.Visible(); len(visible) != 0 {
		t.Fatalf("a cancelled window must not replace the visible set, got %+v", visible)
	}
}

func TestWatcherRunBrowsesEveryInterval(t *testing.T) {
	var calls int32
	watcher := &Watcher{
		Store:   newWatcherStore(t),
		Self:    "self",
		Options: Options{Interval: 20 * time.Millisecond, Window: 5 * time.Millisecond},
		browse:  answering(&calls, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated browse windows, got %d", atomic.LoadInt32(&calls))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
