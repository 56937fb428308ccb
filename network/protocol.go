package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"lanshare/models"
)

const (
	// ProtocolVersion is the control protocol version advertised in identity replies.
	ProtocolVersion = 1
	// DefaultPort is the well-known TCP port peers listen on.
	DefaultPort = 1128
	// MaxFrameSize bounds a single frame, control or data.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds dialing and handshakes.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds every control read inside a job.
	DefaultFrameReadTimeout = 30 * time.Second
)

// RequestKind names the operation a request asks the peer to perform.
type RequestKind string

const (
	// RequestSendUpdate is the legacy update probe; it bypasses the handshake.
	RequestSendUpdate   RequestKind = "send_update"
	RequestTransfer     RequestKind = "transfer"
	RequestResponse     RequestKind = "response"
	RequestClipboard    RequestKind = "clipboard"
	RequestAcquaintance RequestKind = "acquaintance"
	RequestHandshake    RequestKind = "handshake"
	RequestTransferJob  RequestKind = "transfer_job"
)

// Reply error codes.
const (
	ErrorNotFound      = "NOT_FOUND"
	ErrorNotAccessible = "NOT_ACCESSIBLE"
	ErrorUnknown       = "UNKNOWN"
	ErrorNotAllowed    = "NOT_ALLOWED"
)

// FlagGroupExists marks a per-file failure inside a group that is still valid.
const FlagGroupExists = "GROUP_EXISTS"

var (
	// ErrFrameTooLarge indicates a frame larger than MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownRequest indicates a request kind this side does not serve.
	ErrUnknownRequest = errors.New("network: unknown request")
	// ErrMissingField indicates a request without a mandatory key.
	ErrMissingField = errors.New("network: missing field")
	// ErrRejected indicates a peer replied with result false.
	ErrRejected = errors.New("network: request rejected by peer")
	// ErrUnexpectedPeer indicates the peer identity differs from the expected device.
	ErrUnexpectedPeer = errors.New("network: unexpected peer identity")
)

// Message is the flat envelope exchanged at every control step. Absent keys stay nil or zero.
type Message struct {
	Request RequestKind `json:"request,omitempty"`
	Result  *bool       `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Flag    string      `json:"flag,omitempty"`

	HandshakeRequired bool   `json:"handshake_required,omitempty"`
	HandshakeOnly     bool   `json:"handshake_only,omitempty"`
	DeviceID          string `json:"device_id,omitempty"`
	DeviceName        string `json:"device_name,omitempty"`
	AppVersion        string `json:"app_version,omitempty"`
	ProtocolVersion   int    `json:"protocol_version,omitempty"`
	DevicePort        int    `json:"device_port,omitempty"`
	SecureKey         *int   `json:"device_secure_key,omitempty"`

	GroupID       *int64           `json:"transfer_group_id,omitempty"`
	FilesIndex    string           `json:"files_index,omitempty"`
	IsAccepted    *bool            `json:"transfer_is_accepted,omitempty"`
	ClipboardText string           `json:"clipboard_text,omitempty"`
	TransferType  models.Direction `json:"transfer_type,omitempty"`

	RequestID    *int64 `json:"transfer_request_id,omitempty"`
	SkippedBytes int64  `json:"skipped_bytes,omitempty"`
	SizeChanged  *int64 `json:"size_changed,omitempty"`
	JobDone      *bool  `json:"transfer_job_done,omitempty"`
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// OK is a bare successful reply.
func OK() Message { return Message{Result: Bool(true)} }

// Fail is a failed reply carrying an error code.
func Fail(code string) Message { return Message{Result: Bool(false), Error: code} }

// Succeeded reports whether the message carries result true.
func (m Message) Succeeded() bool { return m.Result != nil && *m.Result }

// Failed reports whether the message explicitly carries result false.
func (m Message) Failed() bool { return m.Result != nil && !*m.Result }

// JobAborted reports whether the message carries an explicit "job done: false".
func (m Message) JobAborted() bool { return m.JobDone != nil && !*m.JobDone }

// EncodeJSON serializes one message payload.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessage parses a control payload. An empty frame decodes to an empty message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if len(payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads one frame with a read deadline that is cleared afterwards.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
