package network

import (
	"errors"
	"fmt"
	"strings"

	"lanshare/models"
)

// Identity is what this device discloses about itself.
type Identity struct {
	DeviceID   string
	DeviceName string
	AppVersion string
	// Port is the local listening port disclosed so peers can connect back.
	Port       int
}

func (i Identity) validate() error {
	if strings.TrimSpace(i.DeviceID) == "" {
		return errors.New("identity device ID is required")
	}
	if strings.TrimSpace(i.DeviceName) == "" {
		return errors.New("identity device name is required")
	}
	return nil
}

// Apply copies the identity fields into msg.
func (i Identity) Apply(msg *Message) {
	msg.DeviceID = i.DeviceID
	msg.DeviceName = i.DeviceName
	msg.AppVersion = i.AppVersion
	msg.ProtocolVersion = ProtocolVersion
	msg.DevicePort = i.Port
}

// DeviceFromMessage builds a device record from identity fields of a message.
func DeviceFromMessage(msg Message) models.Device {
	name := strings.TrimSpace(msg.DeviceName)
	if name == "" {
		name = msg.DeviceID
	}
	return models.Device{
		ID:         msg.DeviceID,
		Name:       name,
		AppVersion: msg.AppVersion,
	}
}

// HandshakeOptions controls the client side of the identity exchange.
type HandshakeOptions struct {
	Identity Identity
	// SecureKey is the peer's PIN, when known.
	SecureKey *int
	// ExpectedDeviceID, when set, must match the identity the peer discloses.
	ExpectedDeviceID string
	// Only ends the exchange after the identity disclosure.
	Only bool
}

// Handshake performs the client side identity exchange and returns the peer's identity reply.
// Unless Only is set the connection is left ready for the actual request.
func Handshake(conn *Conn, options HandshakeOptions) (Message, error) {
	if err := options.Identity.validate(); err != nil {
		return Message{}, err
	}

	request := Message{
		Request:           RequestHandshake,
		HandshakeRequired: true,
		HandshakeOnly:     options.Only,
		SecureKey:         options.SecureKey,
	}
	options.Identity.Apply(&request)

	reply, err := conn.Exchange(request)
	if err != nil {
		return Message{}, fmt.Errorf("exchange identity: %w", err)
	}
	if !reply.Succeeded() {
		return reply, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	if strings.TrimSpace(reply.DeviceID) == "" {
		return reply, errors.New("network: peer disclosed no device ID")
	}
	if options.ExpectedDeviceID != "" && reply.DeviceID != options.ExpectedDeviceID {
		return reply, fmt.Errorf("%w: got %q want %q", ErrUnexpectedPeer, reply.DeviceID, options.ExpectedDeviceID)
	}
	return reply, nil
}
