package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/notify"
	"lanshare/registry"
	"lanshare/storage"
)

// DefaultProgressInterval limits how often indexing progress reaches the notifier.
const DefaultProgressInterval = time.Second

// ErrInvalidManifest is returned when the files index is not a JSON array.
var ErrInvalidManifest = errors.New("transfer: files index is not a JSON array")

// ManifestEntry is one element of the files index carried by a transfer request.
type ManifestEntry struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MIMEType  string `json:"mime"`
	RequestID int64  `json:"request_id"`
	Directory string `json:"directory,omitempty"`
}

type rawManifestEntry struct {
	Name      *string `json:"name"`
	Size      *int64  `json:"size"`
	MIMEType  *string `json:"mime"`
	RequestID *int64  `json:"request_id"`
	Directory string  `json:"directory"`
}

// EncodeManifest renders entries as the files index string.
func EncodeManifest(entries []ManifestEntry) (string, error) {
	if entries == nil {
		entries = []ManifestEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode files index: %w", err)
	}
	return string(data), nil
}

// GroupName labels a group after its first object, counting the rest.
func GroupName(objects []models.TransferObject) string {
	switch len(objects) {
	case 0:
		return ""
	case 1:
		return objects[0].Name
	}
	return fmt.Sprintf("%s and %d more", objects[0].Name, len(objects)-1)
}

// ParseManifest decodes the files index. Malformed entries are dropped; a malformed root fails.
func ParseManifest(raw string) ([]ManifestEntry, int, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	entries := make([]ManifestEntry, 0, len(elements))
	skipped := 0
	for _, element := range elements {
		var entry rawManifestEntry
		if err := json.Unmarshal(element, &entry); err != nil ||
			entry.Name == nil || *entry.Name == "" ||
			entry.Size == nil || *entry.Size < 0 ||
			entry.MIMEType == nil || entry.RequestID == nil {
			skipped++
			continue
		}
		entries = append(entries, ManifestEntry{
			Name:      *entry.Name,
			Size:      *entry.Size,
			MIMEType:  *entry.MIMEType,
			RequestID: *entry.RequestID,
			Directory: entry.Directory,
		})
	}
	return entries, skipped, nil
}

// Starter begins a job as the connecting client. The service implements it.
type Starter interface {
	StartAsClient(groupID int64, deviceID string, direction models.Direction) error
}

// IndexRequest is the input of one indexing session. Token must already hold the
// registry's indexing slot.
type IndexRequest struct {
	GroupID  int64
	Manifest string
	Device   models.Device
	Adapter  string
	FastMode bool
	Token    *interrupt.Interrupter
}

// IndexResult reports what an indexing session produced.
type IndexResult struct {
	Group     models.TransferGroup
	Objects   int
	Skipped   int
	Cancelled bool
}

// Indexer turns an incoming files index into a group, an assignee and pending objects.
type Indexer struct {
	Store    Store
	Registry *registry.Registry
	Notifier notify.Notifier
	Bus      *notify.Bus
	Starter  Starter
	Logger   *slog.Logger

	FilesDir         string
	ProgressInterval time.Duration
}

// Index runs one session and always releases the indexing slot.
func (ix *Indexer) Index(req IndexRequest) (IndexResult, error) {
	defer ix.Registry.EndIndexing(req.GroupID)

	log := ix.log().With("group", req.GroupID, "device", req.Device.ID)
	indicator := ix.Notifier.PreparingFiles(req.GroupID, req.Device)
	defer indicator.Dismiss()

	entries, skipped, err := ParseManifest(req.Manifest)
	if err != nil {
		log.Warn("reject files index", "error", err)
		return IndexResult{}, err
	}

	existing, err := ix.Store.GetGroup(req.GroupID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return IndexResult{}, fmt.Errorf("load group %d: %w", req.GroupID, err)
	}
	exists := existing != nil

	group := models.TransferGroup{
		ID:          req.GroupID,
		DateCreated: time.Now().UnixMilli(),
		SavePath:    ix.FilesDir,
	}
	if exists {
		group = *existing
	}
	result := IndexResult{Group: group, Skipped: skipped}

	objects := make([]models.TransferObject, 0, len(entries))
	for _, entry := range entries {
		if req.Token.Interrupted() {
			break
		}
		objects = append(objects, models.TransferObject{
			GroupID:   req.GroupID,
			RequestID: entry.RequestID,
			Direction: models.DirectionIncoming,
			Name:      entry.Name,
			File:      NewStagingToken(),
			MIMEType:  entry.MIMEType,
			Size:      entry.Size,
			Directory: entry.Directory,
			Flag:      models.FlagPending,
		})
	}

	if req.Token.Interrupted() {
		return ix.cancel(log, result, exists)
	}
	if len(objects) == 0 {
		log.Info("files index has no usable entries", "skipped", skipped)
		return result, nil
	}

	if group.Name == "" {
		group.Name = GroupName(objects)
		result.Group = group
	}

	if exists {
		err = ix.Store.PublishGroup(group)
	} else {
		err = ix.Store.InsertGroup(group)
	}
	if err != nil {
		return result, fmt.Errorf("save group %d: %w", req.GroupID, err)
	}
	assignee := models.Assignee{
		GroupID:   req.GroupID,
		DeviceID:  req.Device.ID,
		Direction: models.DirectionIncoming,
		Adapter:   req.Adapter,
	}
	if err := ix.Store.PublishAssignee(assignee); err != nil {
		return result, fmt.Errorf("save assignee: %w", err)
	}

	limiter := rate.NewLimiter(rate.Every(ix.progressInterval()), 1)
	progress := func(total, current int) bool {
		if limiter.Allow() {
			indicator.Progress(total, current)
		}
		return !req.Token.Interrupted()
	}
	if exists {
		err = ix.Store.PublishObjects(objects, progress)
	} else {
		err = ix.Store.InsertObjects(objects, progress)
	}
	if errors.Is(err, storage.ErrAborted) || req.Token.Interrupted() {
		return ix.cancel(log, result, true)
	}
	if err != nil {
		return result, fmt.Errorf("save objects: %w", err)
	}

	result.Objects = len(objects)
	metricIndexedObjects.Add(float64(len(objects)))
	log.Info("files index stored", "objects", len(objects), "skipped", skipped)

	ix.Bus.Publish(notify.Event{
		Type:     notify.EventIncomingTransferReady,
		GroupID:  req.GroupID,
		DeviceID: req.Device.ID,
	})

	if req.FastMode && ix.Starter != nil {
		if err := ix.Starter.StartAsClient(req.GroupID, req.Device.ID, models.DirectionIncoming); err != nil {
			log.Warn("start receiving job", "error", err)
		}
	} else {
		ix.Notifier.TransferRequest(req.Device, group, len(objects))
	}
	return result, nil
}

func (ix *Indexer) cancel(log *slog.Logger, result IndexResult, created bool) (IndexResult, error) {
	result.Cancelled = true
	if created {
		if err := ix.Store.RemoveGroup(result.Group.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("remove cancelled group", "error", err)
		}
	}
	log.Info("indexing cancelled")
	return result, nil
}

func (ix *Indexer) progressInterval() time.Duration {
	if ix.ProgressInterval <= 0 {
		return DefaultProgressInterval
	}
	return ix.ProgressInterval
}

func (ix *Indexer) log() *slog.Logger {
	if ix.Logger == nil {
		return slog.Default()
	}
	return ix.Logger
}
