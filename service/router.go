package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
	"lanshare/storage"
	"lanshare/transfer"
)

// session is what the router learned about the peer before dispatch.
type session struct {
	conn     *network.Conn
	device   models.Device
	adapter  string
	secure   bool
	fastMode bool
	log      *slog.Logger
}

// handleConn serves one inbound connection: identity exchange, authentication, then
// exactly one dispatched request.
func (s *Service) handleConn(conn *network.Conn) {
	log := s.log.With("remote", conn.RemoteAddr().String())

	first, err := conn.Receive()
	if err != nil {
		log.Debug("read first request", "error", err)
		return
	}

	if first.Request == network.RequestSendUpdate {
		s.handleSendUpdate(conn, log)
		return
	}

	request := first
	if first.HandshakeRequired {
		if err := s.reply(conn, network.OK()); err != nil {
			log.Debug("send identity", "error", err)
			return
		}
		if first.HandshakeOnly {
			return
		}
		if request, err = conn.Receive(); err != nil {
			log.Debug("read request after identity exchange", "error", err)
			return
		}
	}

	peer := first
	if peer.DeviceID == "" {
		peer = request
	}
	if peer.DeviceID == "" {
		s.fail(conn, request.Request, network.ErrorNotAllowed)
		return
	}

	secureKey := first.SecureKey
	if secureKey == nil {
		secureKey = request.SecureKey
	}
	secure := secureKey != nil && s.options.PIN != nil && s.options.PIN.MatchPIN(*secureKey)

	device, err := s.admit(conn, peer, secure)
	if err != nil {
		log.Warn("could not identify peer", "device_id", peer.DeviceID, "error", err)
		return
	}
	log = log.With("device_id", device.ID)

	adapter := conn.Adapter()
	connection := models.DeviceConnection{
		DeviceID:  device.ID,
		Adapter:   adapter,
		Address:   peerAddress(conn, peer),
		LastCheck: time.Now().UnixMilli(),
	}
	if err := s.store.PublishConnection(connection); err != nil {
		log.Error("record device connection", "error", err)
	}

	if device.Restricted {
		log.Info("refusing restricted device")
		s.fail(conn, request.Request, network.ErrorNotAllowed)
		return
	}
	if secure && !s.state.PinAccess() {
		s.state.SetPinAccess(true)
	}

	snapshot := s.state.Snapshot()
	sess := &session{
		conn:     conn,
		device:   *device,
		adapter:  adapter,
		secure:   secure,
		fastMode: (snapshot.FastMode && device.Trusted) || (secure && snapshot.QRTrust),
		log:      log,
	}

	typed, err := network.DecodeRequest(request)
	if err != nil {
		log.Info("malformed request", "request", string(request.Request), "error", err)
		s.fail(conn, request.Request, network.ErrorUnknown)
		return
	}
	s.dispatch(sess, typed)
}

func (s *Service) dispatch(sess *session, request network.Request) {
	switch req := request.(type) {
	case network.TransferRequest:
		s.handleTransfer(sess, req)
	case network.OfferResponse:
		s.handleOfferResponse(sess, req)
	case network.ClipboardRequest:
		s.handleClipboard(sess, req)
	case network.AcquaintanceRequest:
		s.bus.Publish(notify.Event{
			Type:     notify.EventPeerIntroduced,
			DeviceID: sess.device.ID,
			Adapter:  sess.adapter,
		})
		s.succeed(sess.conn, req.Kind())
	case network.HandshakeRequest:
		s.succeed(sess.conn, req.Kind())
	case network.TransferJobRequest:
		s.handleTransferJob(sess, req)
	default:
		s.fail(sess.conn, request.Kind(), network.ErrorUnknown)
	}
}

func (s *Service) handleSendUpdate(conn *network.Conn, log *slog.Logger) {
	if err := conn.Send(network.OK()); err != nil {
		log.Debug("reply to update probe", "error", err)
		return
	}
	metricRequests.WithLabelValues(string(network.RequestSendUpdate), "ok").Inc()
	if s.options.Updater == nil {
		return
	}
	address := conn.RemoteIP()
	s.pool.Submit(func(ctx context.Context) {
		if err := s.options.Updater.SendUpdate(ctx, address); err != nil {
			log.Warn("send update", "error", err)
		}
	})
}

// admit loads the peer's device record, creating it through the resolver on first contact.
// A secure connection lifts the restriction of a known device for this session only.
func (s *Service) admit(conn *network.Conn, peer network.Message, secure bool) (*models.Device, error) {
	device, err := s.store.GetDevice(peer.DeviceID)
	if err == nil {
		seen := *device
		seen.LastUsage = time.Now().UnixMilli()
		if peer.DeviceName != "" {
			seen.Name = peer.DeviceName
		}
		if peer.AppVersion != "" {
			seen.AppVersion = peer.AppVersion
		}
		if err := s.store.PublishDevice(seen); err != nil {
			return nil, err
		}
		if secure {
			seen.Restricted = false
		}
		return &seen, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, network.DefaultConnectionTimeout)
	defer cancel()
	resolved, err := s.options.Resolver.ResolveByAddress(ctx, peerAddress(conn, peer))
	if err != nil {
		return nil, err
	}
	if resolved.ID != peer.DeviceID {
		return nil, fmt.Errorf("%w: resolved %q, peer claims %q", network.ErrUnexpectedPeer, resolved.ID, peer.DeviceID)
	}
	resolved.Trusted = false
	resolved.Restricted = !secure
	resolved.LastUsage = time.Now().UnixMilli()
	if err := s.store.PublishDevice(*resolved); err != nil {
		return nil, err
	}
	if resolved.Restricted {
		s.notifier.ConnectionRequest(*resolved)
	}
	return resolved, nil
}

func (s *Service) handleTransfer(sess *session, req network.TransferRequest) {
	token := interrupt.New()
	if err := s.registry.BeginIndexing(req.GroupID, token); err != nil {
		sess.log.Info("refusing transfer request", "group", req.GroupID, "error", err)
		s.fail(sess.conn, req.Kind(), "")
		return
	}

	index := transfer.IndexRequest{
		GroupID:  req.GroupID,
		Manifest: req.FilesIndex,
		Device:   sess.device,
		Adapter:  sess.adapter,
		FastMode: sess.fastMode,
		Token:    token,
	}
	submitted := s.pool.Submit(func(context.Context) {
		if _, err := s.indexer.Index(index); err != nil {
			sess.log.Warn("indexing failed", "group", req.GroupID, "error", err)
		}
	})
	if !submitted {
		s.registry.EndIndexing(req.GroupID)
		s.fail(sess.conn, req.Kind(), "")
		return
	}
	s.succeed(sess.conn, req.Kind())
}

func (s *Service) handleOfferResponse(sess *session, req network.OfferResponse) {
	if _, err := s.store.GetGroup(req.GroupID); err != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotFound)
		return
	}
	assignee, err := s.store.GetAssignee(req.GroupID, sess.device.ID, models.DirectionOutgoing)
	if err != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotFound)
		return
	}
	if !req.Accepted {
		if err := s.store.RemoveAssignee(*assignee); err != nil {
			sess.log.Error("remove declined assignee", "group", req.GroupID, "error", err)
		}
	}
	sess.log.Info("peer answered offer", "group", req.GroupID, "accepted", req.Accepted)
	s.succeed(sess.conn, req.Kind())
}

func (s *Service) handleClipboard(sess *session, req network.ClipboardRequest) {
	clip := models.ClipboardText{
		DeviceID:     sess.device.ID,
		Text:         req.Text,
		DateReceived: time.Now().UnixMilli(),
	}
	id, err := s.store.SaveClipboard(clip)
	if err != nil {
		sess.log.Error("save clipboard text", "error", err)
		s.fail(sess.conn, req.Kind(), network.ErrorUnknown)
		return
	}
	clip.ID = id
	s.notifier.ClipboardReceived(sess.device, clip)
	s.succeed(sess.conn, req.Kind())
}

// handleTransferJob runs the inverted role of the requester on this connection.
func (s *Service) handleTransferJob(sess *session, req network.TransferJobRequest) {
	direction := req.Direction.Invert()
	if s.registry.Find(req.GroupID, sess.device.ID, direction) != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotAllowed)
		return
	}
	group, err := s.store.GetGroup(req.GroupID)
	if err != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotFound)
		return
	}
	assignee, err := s.store.GetAssignee(req.GroupID, sess.device.ID, direction)
	if err != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotFound)
		return
	}

	job := transfer.NewJob(sess.conn, *group, sess.device, *assignee, transfer.DefaultAttempts)
	if err := s.registry.Add(job); err != nil {
		s.fail(sess.conn, req.Kind(), network.ErrorNotAllowed)
		return
	}
	if err := s.reply(sess.conn, network.OK()); err != nil {
		s.registry.Remove(job)
		sess.log.Debug("accept transfer job", "error", err)
		return
	}
	metricRequests.WithLabelValues(string(req.Kind()), "ok").Inc()

	outcome := s.runner.Run(job)
	if outcome.Retry && job.AttemptsLeft() > 0 {
		key := job.Key()
		attempts := job.AttemptsLeft() - 1
		metricJobRetries.Inc()
		s.pool.Submit(func(ctx context.Context) {
			s.runClient(ctx, key, attempts)
		})
	} else if outcome.Retry {
		s.notifier.ReceiveError(job.Info())
	}

	if err := s.reply(sess.conn, network.OK()); err != nil {
		sess.log.Debug("send final reply", "error", err)
	}
}

// reply sends msg carrying this device's identity.
func (s *Service) reply(conn *network.Conn, msg network.Message) error {
	s.identity().Apply(&msg)
	return conn.Send(msg)
}

func (s *Service) succeed(conn *network.Conn, kind network.RequestKind) {
	metricRequests.WithLabelValues(string(kind), "ok").Inc()
	if err := s.reply(conn, network.OK()); err != nil {
		s.log.Debug("send reply", "request", string(kind), "error", err)
	}
}

func (s *Service) fail(conn *network.Conn, kind network.RequestKind, code string) {
	result := code
	if result == "" {
		result = "refused"
	}
	metricRequests.WithLabelValues(string(kind), result).Inc()
	if err := s.reply(conn, network.Fail(code)); err != nil {
		s.log.Debug("send reply", "request", string(kind), "error", err)
	}
}

// peerAddress is the address the peer's listener can be reached at.
func peerAddress(conn *network.Conn, peer network.Message) string {
	if peer.DevicePort > 0 {
		return network.JoinHostPort(conn.RemoteIP(), peer.DevicePort)
	}
	return conn.RemoteIP()
}
