package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanshare/config"
	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: make(map[string]int)}
}

func (n *recordingNotifier) record(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[name]++
}

func (n *recordingNotifier) count(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[name]
}

func (n *recordingNotifier) PreparingFiles(int64, models.Device) notify.Indicator {
	n.record("preparing")
	return nopIndicator{}
}
func (n *recordingNotifier) ConnectionRequest(models.Device) { n.record("connection_request") }
func (n *recordingNotifier) TransferRequest(models.Device, models.TransferGroup, int) {
	n.record("transfer_request")
}
func (n *recordingNotifier) ClipboardReceived(models.Device, models.ClipboardText) { n.record("clipboard") }
func (n *recordingNotifier) FileTransaction(notify.JobInfo)                        { n.record("file") }
func (n *recordingNotifier) FilesReceived(notify.JobInfo)                          { n.record("received") }
func (n *recordingNotifier) ReceiveError(notify.JobInfo)                           { n.record("receive_error") }
func (n *recordingNotifier) ConnectionError(notify.JobInfo, string)                { n.record("connection_error") }
func (n *recordingNotifier) Dismiss(notify.JobInfo)                                { n.record("dismiss") }

type nopIndicator struct{}

func (nopIndicator) Progress(int, int) {}
func (nopIndicator) Dismiss()          {}

type staticPIN int

func (p staticPIN) MatchPIN(pin int) bool { return int(p) == pin }

type testPeer struct {
	*Service
	store    *storage.Store
	notifier *recordingNotifier
	filesDir string
}

func newTestPeer(t *testing.T, deviceID string, configure func(*Options)) *testPeer {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	notifier := newRecordingNotifier()
	options := Options{
		Identity:      network.Identity{DeviceID: deviceID, DeviceName: "Device " + deviceID, AppVersion: "test"},
		ListenAddress: "127.0.0.1:0",
		FilesDir:      t.TempDir(),
		Store:         store,
		State:         config.NewServiceState(config.ServiceSnapshot{}),
		Notifier:      notifier,
		Dial: network.DialOptions{
			ConnectionTimeout: 2 * time.Second,
			ReadTimeout:       5 * time.Second,
		},
		ReadTimeout:   5 * time.Second,
		DrainTimeout:  time.Second,
		ShutdownGrace: 200 * time.Millisecond,
	}
	if configure != nil {
		configure(&options)
	}

	service, err := New(options)
	require.NoError(t, err)
	require.NoError(t, service.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(ctx)
	})

	return &testPeer{Service: service, store: store, notifier: notifier, filesDir: options.FilesDir}
}

// rawConn dials peer without any identity exchange.
func rawConn(t *testing.T, peer *testPeer) *network.Conn {
	t.Helper()
	raw, err := net.DialTimeout("tcp", peer.Addr(), 2*time.Second)
	require.NoError(t, err)
	conn := network.NewConn(raw, 5*time.Second)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func pin(v int) *int { return &v }
