package notify

import (
	"sync"

	"lanshare/models"
)

// EventType identifies engine lifecycle events.
type EventType string

const (
	EventJobStatusChanged      EventType = "job_status_changed"
	EventRunningJobListChanged EventType = "running_job_list_changed"
	EventIncomingTransferReady EventType = "incoming_transfer_ready"
	EventPeerIntroduced        EventType = "peer_introduced"
	EventServiceStateChanged   EventType = "service_state_changed"
)

// JobStatus is carried by EventJobStatusChanged.
type JobStatus string

const (
	JobOngoing JobStatus = "ONGOING"
	JobStopped JobStatus = "STOPPED"
)

// Event is one lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	Job     models.JobKey
	Status  JobStatus
	Running []models.JobKey

	GroupID  int64
	DeviceID string
	Adapter  string

	FastMode  bool
	PinAccess bool
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered receiver. The returned func unsubscribes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers event to every subscriber with buffer space; full subscribers miss it.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
