package transfer

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/registry"
	"lanshare/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) record(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, name)
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
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

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRunner(t *testing.T, store *storage.Store, filesDir string) (*Runner, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	return &Runner{
		Store:        store,
		Registry:     registry.New(),
		Notifier:     notifier,
		Bus:          notify.NewBus(),
		FilesDir:     filesDir,
		ChunkSize:    4,
		DrainTimeout: time.Second,
	}, notifier
}

func pipeConns(t *testing.T) (*network.Conn, *network.Conn) {
	t.Helper()
	a, b := net.Pipe()
	left := network.NewConn(a, 2*time.Second)
	right := network.NewConn(b, 2*time.Second)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

// gatedConn holds the first write past limit until release is closed.
type gatedConn struct {
	net.Conn
	limit   int64
	written int64
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedConn) Write(p []byte) (int, error) {
	if c.written >= c.limit {
		c.once.Do(func() {
			close(c.reached)
			<-c.release
		})
	}
	n, err := c.Conn.Write(p)
	c.written += int64(n)
	return n, err
}

// gatedPipeConns is pipeConns whose second end pauses after writing limit bytes.
func gatedPipeConns(t *testing.T, limit int64) (*network.Conn, *network.Conn, *gatedConn) {
	t.Helper()
	a, b := net.Pipe()
	gate := &gatedConn{Conn: b, limit: limit, reached: make(chan struct{}), release: make(chan struct{})}
	left := network.NewConn(a, 2*time.Second)
	right := network.NewConn(gate, 2*time.Second)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right, gate
}

// runPairAsync starts both runners and returns their outcomes on one channel.
func runPairAsync(receiver *Runner, rJob *Job, sender *Runner, sJob *Job) <-chan [2]Outcome {
	out := make(chan [2]Outcome, 1)
	go func() {
		sent := make(chan Outcome, 1)
		go func() { sent <- sender.Run(sJob) }()
		received := receiver.Run(rJob)
		out <- [2]Outcome{received, <-sent}
	}()
	return out
}

// incomingFixture stores a receiving group with one object and returns its job parts.
func incomingFixture(t *testing.T, store *storage.Store, filesDir string, size int64) (models.TransferGroup, models.TransferObject) {
	t.Helper()
	group := models.TransferGroup{ID: 7, SavePath: filesDir}
	require.NoError(t, store.InsertGroup(group))
	object := models.TransferObject{
		GroupID:   7,
		RequestID: 1,
		Direction: models.DirectionIncoming,
		Name:      "a.txt",
		File:      NewStagingToken(),
		MIMEType:  "text/plain",
		Size:      size,
		Flag:      models.FlagPending,
	}
	require.NoError(t, store.InsertObjects([]models.TransferObject{object}, nil))
	return group, object
}

// outgoingFixture stores a sending group whose object points at a file holding content.
func outgoingFixture(t *testing.T, store *storage.Store, content string, recordedSize int64) (models.TransferGroup, string) {
	t.Helper()
	source := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o600))

	group := models.TransferGroup{ID: 7}
	require.NoError(t, store.InsertGroup(group))
	object := models.TransferObject{
		GroupID:   7,
		RequestID: 1,
		Direction: models.DirectionOutgoing,
		Name:      "a.txt",
		File:      source,
		MIMEType:  "text/plain",
		Size:      recordedSize,
		Flag:      models.FlagPending,
	}
	require.NoError(t, store.InsertObjects([]models.TransferObject{object}, nil))
	return group, source
}

func receiverJob(t *testing.T, runner *Runner, conn *network.Conn, group models.TransferGroup) *Job {
	t.Helper()
	job := NewJob(conn, group, models.Device{ID: "sender", Name: "Sender"},
		models.Assignee{GroupID: group.ID, DeviceID: "sender", Direction: models.DirectionIncoming}, DefaultAttempts)
	require.NoError(t, runner.Registry.Add(job))
	return job
}

func senderJob(t *testing.T, runner *Runner, conn *network.Conn, group models.TransferGroup) *Job {
	t.Helper()
	job := NewJob(conn, group, models.Device{ID: "receiver", Name: "Receiver"},
		models.Assignee{GroupID: group.ID, DeviceID: "receiver", Direction: models.DirectionOutgoing}, 0)
	require.NoError(t, runner.Registry.Add(job))
	return job
}
