package network

import (
	"fmt"

	"lanshare/models"
)

// Request is the decoded, typed form of a dispatchable message.
type Request interface {
	Kind() RequestKind
}

// SendUpdateRequest is the legacy update probe.
type SendUpdateRequest struct{}

// TransferRequest offers a manifest of files for a group.
type TransferRequest struct {
	GroupID    int64
	FilesIndex string
}

// OfferResponse carries the peer's accept or decline of a group we offered.
type OfferResponse struct {
	GroupID  int64
	Accepted bool
}

// ClipboardRequest shares a text payload.
type ClipboardRequest struct {
	Text string
}

// AcquaintanceRequest introduces the peer.
type AcquaintanceRequest struct{}

// HandshakeRequest only exchanges identity.
type HandshakeRequest struct{}

// TransferJobRequest asks to start streaming a group. Direction is the requester's side.
type TransferJobRequest struct {
	GroupID   int64
	Direction models.Direction
}

func (SendUpdateRequest) Kind() RequestKind   { return RequestSendUpdate }
func (TransferRequest) Kind() RequestKind     { return RequestTransfer }
func (OfferResponse) Kind() RequestKind       { return RequestResponse }
func (ClipboardRequest) Kind() RequestKind    { return RequestClipboard }
func (AcquaintanceRequest) Kind() RequestKind { return RequestAcquaintance }
func (HandshakeRequest) Kind() RequestKind    { return RequestHandshake }
func (TransferJobRequest) Kind() RequestKind  { return RequestTransferJob }

// DecodeRequest turns a flat message into its typed request.
func DecodeRequest(msg Message) (Request, error) {
	switch msg.Request {
	case RequestSendUpdate:
		return SendUpdateRequest{}, nil
	case RequestTransfer:
		if msg.GroupID == nil {
			return nil, missing("transfer_group_id")
		}
		if msg.FilesIndex == "" {
			return nil, missing("files_index")
		}
		return TransferRequest{GroupID: *msg.GroupID, FilesIndex: msg.FilesIndex}, nil
	case RequestResponse:
		if msg.GroupID == nil {
			return nil, missing("transfer_group_id")
		}
		if msg.IsAccepted == nil {
			return nil, missing("transfer_is_accepted")
		}
		return OfferResponse{GroupID: *msg.GroupID, Accepted: *msg.IsAccepted}, nil
	case RequestClipboard:
		if msg.ClipboardText == "" {
			return nil, missing("clipboard_text")
		}
		return ClipboardRequest{Text: msg.ClipboardText}, nil
	case RequestAcquaintance:
		return AcquaintanceRequest{}, nil
	case RequestHandshake:
		return HandshakeRequest{}, nil
	case RequestTransferJob:
		if msg.GroupID == nil {
			return nil, missing("transfer_group_id")
		}
		if !msg.TransferType.Valid() {
			return nil, missing("transfer_type")
		}
		return TransferJobRequest{GroupID: *msg.GroupID, Direction: msg.TransferType}, nil
	case "":
		return nil, missing("request")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, msg.Request)
	}
}

func missing(key string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, key)
}
