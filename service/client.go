package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/registry"
	"lanshare/storage"
	"lanshare/transfer"
)

const defaultMIMEType = "application/octet-stream"

// PeerError is a negative reply from a peer.
type PeerError struct {
	Request network.RequestKind
	Code    string
}

func (e *PeerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("peer refused %s request", e.Request)
	}
	return fmt.Sprintf("peer refused %s request: %s", e.Request, e.Code)
}

func (e *PeerError) Unwrap() error { return network.ErrRejected }

type jobTarget struct {
	group    models.TransferGroup
	device   models.Device
	assignee models.Assignee
	address  string
}

// StartAsClient connects to deviceID and runs the job of groupID in direction on the worker pool.
func (s *Service) StartAsClient(groupID int64, deviceID string, direction models.Direction) error {
	if !direction.Valid() {
		return fmt.Errorf("invalid direction %q", direction)
	}
	key := models.JobKey{GroupID: groupID, DeviceID: deviceID, Direction: direction}
	if _, err := s.resolveJob(key); err != nil {
		return err
	}
	if s.registry.Find(groupID, deviceID, direction) != nil {
		return registry.ErrAlreadyRunning
	}
	if s.pool == nil || !s.pool.Submit(func(ctx context.Context) {
		s.runClient(ctx, key, transfer.DefaultAttempts)
	}) {
		return ErrStopped
	}
	return nil
}

// runClient runs client sessions for key until one ends without asking for a retry
// or attemptsLeft is spent.
func (s *Service) runClient(ctx context.Context, key models.JobKey, attemptsLeft int) {
	log := s.log.With("job", key.String())
	for {
		outcome, info, err := s.clientSession(ctx, key, attemptsLeft)
		if err != nil {
			log.Warn("client session failed", "error", err)
			var peerErr *PeerError
			code := ""
			if errors.As(err, &peerErr) {
				code = peerErr.Code
			}
			s.notifier.ConnectionError(info, code)
			return
		}
		if !outcome.Retry || ctx.Err() != nil {
			return
		}
		if attemptsLeft <= 0 {
			log.Warn("job failed after exhausting retries")
			s.notifier.ReceiveError(info)
			return
		}
		attemptsLeft--
		metricJobRetries.Inc()
		log.Info("restarting job", "attempts_left", attemptsLeft)
	}
}

func (s *Service) clientSession(ctx context.Context, key models.JobKey, attemptsLeft int) (transfer.Outcome, notify.JobInfo, error) {
	info := notify.JobInfo{Key: key}
	target, err := s.resolveJob(key)
	if err != nil {
		return transfer.Outcome{}, info, err
	}
	info.DeviceName = target.device.Name

	conn, err := network.Dial(ctx, network.JoinHostPort(target.address, 0), s.options.Dial)
	if err != nil {
		return transfer.Outcome{}, info, err
	}
	defer conn.Close()

	job := transfer.NewJob(conn, target.group, target.device, target.assignee, attemptsLeft)
	if err := s.registry.Add(job); err != nil {
		return transfer.Outcome{}, info, err
	}
	running := false
	defer func() {
		if !running {
			s.registry.Remove(job)
		}
	}()

	if _, err := network.Handshake(conn, network.HandshakeOptions{
		Identity:         s.identity(),
		ExpectedDeviceID: key.DeviceID,
	}); err != nil {
		return transfer.Outcome{}, info, err
	}
	reply, err := conn.Exchange(network.Message{
		Request:      network.RequestTransferJob,
		GroupID:      network.Int64(key.GroupID),
		TransferType: key.Direction,
	})
	if err != nil {
		return transfer.Outcome{}, info, err
	}
	if !reply.Succeeded() {
		return transfer.Outcome{}, info, &PeerError{Request: network.RequestTransferJob, Code: reply.Error}
	}

	running = true
	outcome := s.runner.Run(job)
	if _, err := conn.ReceiveWithin(finalReplyTimeout); err != nil {
		s.log.Debug("read final reply", "job", key.String(), "error", err)
	}
	return outcome, job.Info(), nil
}

func (s *Service) resolveJob(key models.JobKey) (*jobTarget, error) {
	group, err := s.store.GetGroup(key.GroupID)
	if err != nil {
		return nil, notFound(err, ErrGroupNotFound, key.GroupID)
	}
	device, err := s.store.GetDevice(key.DeviceID)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound, key.DeviceID)
	}
	assignee, err := s.store.GetAssignee(key.GroupID, key.DeviceID, key.Direction)
	if err != nil {
		return nil, notFound(err, ErrAssigneeNotFound, key.String())
	}
	connection, err := s.store.GetConnection(key.DeviceID, assignee.Adapter)
	if err != nil {
		connection, err = s.store.LatestConnection(key.DeviceID)
	}
	if err != nil {
		return nil, notFound(err, ErrConnectionNotFound, key.DeviceID)
	}
	return &jobTarget{group: *group, device: *device, assignee: *assignee, address: connection.Address}, nil
}

func notFound(err, sentinel error, subject any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", sentinel, subject)
	}
	return err
}

// Offer creates an outgoing group from paths and offers it to the device listening at address.
// Directories are offered recursively. pin, when set, pre-authorizes this device at the peer.
func (s *Service) Offer(ctx context.Context, address string, pin *int, paths []string) (*models.TransferGroup, error) {
	group := models.TransferGroup{
		ID:          int64(uuid.New().ID()),
		DateCreated: time.Now().UnixMilli(),
	}
	objects, entries, err := collectFiles(group.ID, paths)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, errors.New("no regular files to offer")
	}
	group.Name = transfer.GroupName(objects)

	conn, peer, err := s.dial(ctx, address, pin, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	device, err := s.rememberPeer(conn, peer, address)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertGroup(group); err != nil {
		return nil, err
	}
	assignee := models.Assignee{
		GroupID:   group.ID,
		DeviceID:  device.ID,
		Direction: models.DirectionOutgoing,
		Adapter:   conn.Adapter(),
	}
	err = s.store.PublishAssignee(assignee)
	if err == nil {
		err = s.store.InsertObjects(objects, nil)
	}
	if err != nil {
		_ = s.store.RemoveGroup(group.ID)
		return nil, err
	}

	manifest, err := transfer.EncodeManifest(entries)
	if err == nil {
		err = s.request(conn, network.Message{
			Request:    network.RequestTransfer,
			GroupID:    network.Int64(group.ID),
			FilesIndex: manifest,
		})
	}
	if err != nil {
		_ = s.store.RemoveGroup(group.ID)
		return nil, err
	}
	s.log.Info("offered files", "group", group.ID, "device_id", device.ID, "files", len(objects))
	return &group, nil
}

// SendClipboard shares text with the device listening at address.
func (s *Service) SendClipboard(ctx context.Context, address string, pin *int, text string) error {
	if text == "" {
		return errors.New("clipboard text is empty")
	}
	conn, peer, err := s.dial(ctx, address, pin, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := s.rememberPeer(conn, peer, address); err != nil {
		return err
	}
	return s.request(conn, network.Message{Request: network.RequestClipboard, ClipboardText: text})
}

// Introduce announces this device to the one listening at address.
func (s *Service) Introduce(ctx context.Context, address string, pin *int) (*models.Device, error) {
	conn, peer, err := s.dial(ctx, address, pin, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	device, err := s.rememberPeer(conn, peer, address)
	if err != nil {
		return nil, err
	}
	if err := s.request(conn, network.Message{Request: network.RequestAcquaintance}); err != nil {
		return nil, err
	}
	return device, nil
}

// RespondToOffer tells the offering device whether the incoming group is accepted.
// An accepted group starts receiving; a declined one is removed locally.
func (s *Service) RespondToOffer(ctx context.Context, groupID int64, deviceID string, accepted bool) error {
	target, err := s.resolveJob(models.JobKey{GroupID: groupID, DeviceID: deviceID, Direction: models.DirectionIncoming})
	if err != nil {
		return err
	}

	conn, _, err := s.dial(ctx, target.address, nil, deviceID)
	if err != nil {
		return err
	}
	err = s.request(conn, network.Message{
		Request:    network.RequestResponse,
		GroupID:    network.Int64(groupID),
		IsAccepted: network.Bool(accepted),
	})
	_ = conn.Close()
	if err != nil {
		return err
	}

	if !accepted {
		return s.store.RemoveGroup(groupID)
	}
	return s.StartAsClient(groupID, deviceID, models.DirectionIncoming)
}

// dial connects to address and exchanges identities, leaving the connection ready for one request.
func (s *Service) dial(ctx context.Context, address string, pin *int, expectedDeviceID string) (*network.Conn, network.Message, error) {
	conn, err := network.Dial(ctx, network.JoinHostPort(address, 0), s.options.Dial)
	if err != nil {
		return nil, network.Message{}, err
	}
	peer, err := network.Handshake(conn, network.HandshakeOptions{
		Identity:         s.identity(),
		SecureKey:        pin,
		ExpectedDeviceID: expectedDeviceID,
	})
	if err != nil {
		_ = conn.Close()
		return nil, network.Message{}, err
	}
	return conn, peer, nil
}

// request sends msg and turns a negative reply into a *PeerError.
func (s *Service) request(conn *network.Conn, msg network.Message) error {
	reply, err := conn.Exchange(msg)
	if err != nil {
		return fmt.Errorf("%s request: %w", msg.Request, err)
	}
	if !reply.Succeeded() {
		return &PeerError{Request: msg.Request, Code: reply.Error}
	}
	return nil
}

// rememberPeer records a device this side contacted and how to reach it.
// Devices contacted from here are not restricted.
func (s *Service) rememberPeer(conn *network.Conn, peer network.Message, address string) (*models.Device, error) {
	device, err := s.store.GetDevice(peer.DeviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		created := network.DeviceFromMessage(peer)
		device = &created
	case err != nil:
		return nil, err
	default:
		if peer.DeviceName != "" {
			device.Name = peer.DeviceName
		}
		if peer.AppVersion != "" {
			device.AppVersion = peer.AppVersion
		}
	}
	device.LastUsage = time.Now().UnixMilli()
	if err := s.store.PublishDevice(*device); err != nil {
		return nil, err
	}

	reachable := network.JoinHostPort(address, 0)
	if peer.DevicePort > 0 {
		reachable = peerAddress(conn, peer)
	}
	connection := models.DeviceConnection{
		DeviceID:  device.ID,
		Adapter:   conn.Adapter(),
		Address:   reachable,
		LastCheck: time.Now().UnixMilli(),
	}
	if err := s.store.PublishConnection(connection); err != nil {
		return nil, err
	}
	return device, nil
}

// collectFiles builds the outgoing objects and manifest entries for paths.
func collectFiles(groupID int64, paths []string) ([]models.TransferObject, []transfer.ManifestEntry, error) {
	var (
		objects []models.TransferObject
		entries []transfer.ManifestEntry
	)
	add := func(path, directory string, size int64) {
		name := filepath.Base(path)
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		if mimeType == "" {
			mimeType = defaultMIMEType
		}
		requestID := int64(len(objects) + 1)
		objects = append(objects, models.TransferObject{
			GroupID:   groupID,
			RequestID: requestID,
			Direction: models.DirectionOutgoing,
			Name:      name,
			File:      path,
			MIMEType:  mimeType,
			Size:      size,
			Directory: directory,
			Flag:      models.FlagPending,
		})
		entries = append(entries, transfer.ManifestEntry{
			Name:      name,
			Size:      size,
			MIMEType:  mimeType,
			RequestID: requestID,
			Directory: directory,
		})
	}

	for _, raw := range paths {
		path, err := filepath.Abs(raw)
		if err != nil {
			return nil, nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, err
		}
		if info.Mode().IsRegular() {
			add(path, "", info.Size())
			continue
		}
		if !info.IsDir() {
			continue
		}
		parent := filepath.Dir(path)
		err = filepath.WalkDir(path, func(current string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			fileInfo, err := entry.Info()
			if err != nil {
				return err
			}
			relative, err := filepath.Rel(parent, filepath.Dir(current))
			if err != nil {
				return err
			}
			add(current, filepath.ToSlash(relative), fileInfo.Size())
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return objects, entries, nil
}
