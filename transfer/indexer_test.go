package transfer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/notify"
	"lanshare/registry"
	"lanshare/storage"
)

type recordingStarter struct {
	mu    sync.Mutex
	calls []models.JobKey
}

func (s *recordingStarter) StartAsClient(groupID int64, deviceID string, direction models.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, models.JobKey{GroupID: groupID, DeviceID: deviceID, Direction: direction})
	return nil
}

func newIndexer(t *testing.T) (*Indexer, *storage.Store, *recordingNotifier, *recordingStarter) {
	t.Helper()
	store := newStore(t)
	notifier := &recordingNotifier{}
	starter := &recordingStarter{}
	return &Indexer{
		Store:    store,
		Registry: registry.New(),
		Notifier: notifier,
		Bus:      notify.NewBus(),
		Starter:  starter,
		FilesDir: t.TempDir(),
	}, store, notifier, starter
}

func indexRequest(t *testing.T, ix *Indexer, groupID int64, manifest string) IndexRequest {
	t.Helper()
	token := interrupt.New()
	require.NoError(t, ix.Registry.BeginIndexing(groupID, token))
	return IndexRequest{
		GroupID:  groupID,
		Manifest: manifest,
		Device:   models.Device{ID: "peer", Name: "Peer"},
		Adapter:  "eth0",
		Token:    token,
	}
}

const singleFileManifest = `[{"name":"a.txt","size":10,"mime":"text/plain","request_id":1}]`

func TestIndexCreatesPendingObjectsAndAnnounces(t *testing.T) {
	ix, store, notifier, starter := newIndexer(t)
	events, unsubscribe := ix.Bus.Subscribe(8)
	defer unsubscribe()

	result, err := ix.Index(indexRequest(t, ix, 42, singleFileManifest))
	require.NoError(t, err)
	require.Equal(t, 1, result.Objects)
	require.False(t, result.Cancelled)
	require.False(t, ix.Registry.Indexing())

	objects, err := store.ListObjects(42, models.DirectionIncoming)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, models.FlagPending, objects[0].Flag)
	require.Equal(t, "a.txt", objects[0].Name)
	require.Contains(t, objects[0].File, stagingSuffix)

	group, err := store.GetGroup(42)
	require.NoError(t, err)
	require.Equal(t, "a.txt", group.Name)
	require.Equal(t, "a.txt", result.Group.Name)

	assignee, err := store.GetAssignee(42, "peer", models.DirectionIncoming)
	require.NoError(t, err)
	require.Equal(t, "eth0", assignee.Adapter)

	event := <-events
	require.Equal(t, notify.EventIncomingTransferReady, event.Type)
	require.Equal(t, int64(42), event.GroupID)

	require.Contains(t, notifier.Calls(), "transfer_request")
	require.Empty(t, starter.calls)
}

func TestIndexNamesGroupAfterManifest(t *testing.T) {
	ix, store, _, _ := newIndexer(t)

	manifest := `[{"name":"a.txt","size":1,"mime":"text/plain","request_id":1},` +
		`{"name":"b.txt","size":1,"mime":"text/plain","request_id":2},` +
		`{"name":"c.txt","size":1,"mime":"text/plain","request_id":3}]`
	result, err := ix.Index(indexRequest(t, ix, 42, manifest))
	require.NoError(t, err)
	require.Equal(t, 3, result.Objects)

	group, err := store.GetGroup(42)
	require.NoError(t, err)
	require.Equal(t, "a.txt and 2 more", group.Name)
	require.Empty(t, GroupName(nil))
}

func TestIndexFastModeStartsReceivingJob(t *testing.T) {
	ix, _, notifier, starter := newIndexer(t)

	req := indexRequest(t, ix, 42, singleFileManifest)
	req.FastMode = true
	_, err := ix.Index(req)
	require.NoError(t, err)

	require.Equal(t, []models.JobKey{{GroupID: 42, DeviceID: "peer", Direction: models.DirectionIncoming}}, starter.calls)
	require.NotContains(t, notifier.Calls(), "transfer_request")
}

func TestIndexIsIdempotentForKnownGroup(t *testing.T) {
	ix, store, _, _ := newIndexer(t)

	_, err := ix.Index(indexRequest(t, ix, 42, singleFileManifest))
	require.NoError(t, err)
	first, err := store.GetObject(42, 1, models.DirectionIncoming)
	require.NoError(t, err)

	_, err = ix.Index(indexRequest(t, ix, 42, singleFileManifest))
	require.NoError(t, err)

	objects, err := store.ListObjects(42, models.DirectionIncoming)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, first.File, objects[0].File)
}

func TestIndexSkipsMalformedEntries(t *testing.T) {
	ix, store, _, _ := newIndexer(t)

	manifest := `[{"name":"a.txt","size":10,"mime":"text/plain","request_id":1},{"name":"b.txt"},42]`
	result, err := ix.Index(indexRequest(t, ix, 42, manifest))
	require.NoError(t, err)
	require.Equal(t, 1, result.Objects)
	require.Equal(t, 2, result.Skipped)

	objects, err := store.ListObjects(42, models.DirectionIncoming)
	require.NoError(t, err)
	require.Len(t, objects, 1)
}

func TestIndexRejectsMalformedRoot(t *testing.T) {
	ix, store, _, _ := newIndexer(t)

	_, err := ix.Index(indexRequest(t, ix, 42, `{"name":"a.txt"}`))
	require.ErrorIs(t, err, ErrInvalidManifest)
	require.False(t, ix.Registry.Indexing())

	_, err = store.GetGroup(42)
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestIndexWithoutEntriesCreatesNoGroup(t *testing.T) {
	ix, store, notifier, _ := newIndexer(t)

	result, err := ix.Index(indexRequest(t, ix, 42, `[]`))
	require.NoError(t, err)
	require.Zero(t, result.Objects)

	_, err = store.GetGroup(42)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NotContains(t, notifier.Calls(), "transfer_request")
}

func TestIndexCancelledRemovesGroup(t *testing.T) {
	ix, store, notifier, _ := newIndexer(t)

	_, err := ix.Index(indexRequest(t, ix, 42, singleFileManifest))
	require.NoError(t, err)

	req := indexRequest(t, ix, 42, singleFileManifest)
	require.True(t, ix.Registry.CancelIndexing(42))
	result, err := ix.Index(req)
	require.NoError(t, err)
	require.True(t, result.Cancelled)
	require.True(t, req.Token.InterruptedByUser())

	_, err = store.GetGroup(42)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Len(t, notifier.Calls(), 3)
}

func TestManifestRoundTrip(t *testing.T) {
	encoded, err := EncodeManifest([]ManifestEntry{{Name: "a.txt", Size: 3, MIMEType: "text/plain", RequestID: 9, Directory: "docs"}})
	require.NoError(t, err)

	entries, skipped, err := ParseManifest(encoded)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Equal(t, []ManifestEntry{{Name: "a.txt", Size: 3, MIMEType: "text/plain", RequestID: 9, Directory: "docs"}}, entries)

	empty, err := EncodeManifest(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", empty)
}
