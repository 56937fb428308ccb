package models

import "fmt"

// Direction tells whether this side receives or sends the objects of a group.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

// Invert returns the direction the peer sees for the same job.
func (d Direction) Invert() Direction {
	if d == DirectionIncoming {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// ParseDirection validates a wire or CLI direction value.
func ParseDirection(raw string) (Direction, error) {
	d := Direction(raw)
	if !d.Valid() {
		return "", fmt.Errorf("invalid direction %q", raw)
	}
	return d, nil
}

// Flag is the per-object (and per-device) transfer state.
type Flag string

const (
	FlagPending     Flag = "PENDING"
	FlagRunning     Flag = "RUNNING"
	FlagDone        Flag = "DONE"
	FlagRemoved     Flag = "REMOVED"
	FlagInterrupted Flag = "INTERRUPTED"
)

// TransferGroup is a batch of objects shared between one offering device and its receivers.
type TransferGroup struct {
	ID          int64  `json:"group_id"`
	Name        string `json:"name"`
	DateCreated int64  `json:"date_created"`
	SavePath    string `json:"save_path"`
}

// Assignee records a device's participation in a group.
type Assignee struct {
	GroupID   int64     `json:"group_id"`
	DeviceID  string    `json:"device_id"`
	Direction Direction `json:"direction"`
	Adapter   string    `json:"adapter"`
}

// TransferObject is one file of a group.
//
// On the receiving side File holds the staging token and Flag tracks progress.
// On the sending side File is the source path and DeviceFlags tracks each receiver.
type TransferObject struct {
	GroupID     int64           `json:"group_id"`
	RequestID   int64           `json:"request_id"`
	Direction   Direction       `json:"direction"`
	Name        string          `json:"name"`
	File        string          `json:"file"`
	MIMEType    string          `json:"mime_type"`
	Size        int64           `json:"size"`
	Directory   string          `json:"directory,omitempty"`
	Flag        Flag            `json:"flag"`
	DeviceFlags map[string]Flag `json:"device_flags,omitempty"`
}

// FlagFor returns the flag tracked for deviceID, falling back to the object flag.
func (o *TransferObject) FlagFor(deviceID string) Flag {
	if flag, ok := o.DeviceFlags[deviceID]; ok {
		return flag
	}
	return o.Flag
}

// SetFlagFor records the flag for one receiving device.
func (o *TransferObject) SetFlagFor(deviceID string, flag Flag) {
	if o.DeviceFlags == nil {
		o.DeviceFlags = make(map[string]Flag)
	}
	o.DeviceFlags[deviceID] = flag
}

// JobKey identifies one transfer job. At most one job per key runs at a time.
type JobKey struct {
	GroupID   int64     `json:"group_id"`
	DeviceID  string    `json:"device_id"`
	Direction Direction `json:"direction"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.GroupID, k.DeviceID, k.Direction)
}
