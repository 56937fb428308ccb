package models

// Device represents a remote peer known to this device.
type Device struct {
	ID         string `json:"device_id"`
	Name       string `json:"device_name"`
	AppVersion string `json:"app_version"`
	Trusted    bool   `json:"trusted"`
	Restricted bool   `json:"restricted"`
	LastUsage  int64  `json:"last_usage"`
}

// DeviceConnection records the network adapter and address a device was last reached through.
type DeviceConnection struct {
	DeviceID  string `json:"device_id"`
	Adapter   string `json:"adapter"`
	Address   string `json:"address"`
	LastCheck int64  `json:"last_check"`
}

// ClipboardText is a text payload shared by a peer.
type ClipboardText struct {
	ID           int64  `json:"id"`
	DeviceID     string `json:"device_id"`
	Text         string `json:"text"`
	DateReceived int64  `json:"date_received"`
}
