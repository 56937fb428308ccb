package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus()
	first, unsubscribeFirst := bus.Subscribe(4)
	second, unsubscribeSecond := bus.Subscribe(4)
	defer unsubscribeSecond()

	bus.Publish(Event{Type: EventIncomingTransferReady, GroupID: 42, DeviceID: "peer"})

	require.Equal(t, int64(42), (<-first).GroupID)
	require.Equal(t, "peer", (<-second).DeviceID)

	unsubscribeFirst()
	unsubscribeFirst()
	_, ok := <-first
	require.False(t, ok)

	bus.Publish(Event{Type: EventPeerIntroduced})
	require.Equal(t, EventPeerIntroduced, (<-second).Type)
}

func TestBusPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	key := models.JobKey{GroupID: 1, DeviceID: "d", Direction: models.DirectionIncoming}
	bus.Publish(Event{Type: EventJobStatusChanged, Job: key, Status: JobOngoing})
	bus.Publish(Event{Type: EventJobStatusChanged, Job: key, Status: JobStopped})

	event := <-events
	require.Equal(t, JobOngoing, event.Status)
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(1)
	bus.Close()
	unsubscribe()

	_, ok := <-events
	require.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}
