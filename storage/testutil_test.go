package storage

import (
	"testing"

	"lanshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testDevice(deviceID string) models.Device {
	return models.Device{ID: deviceID, Name: "Device " + deviceID, Restricted: true}
}

func mustAddGroup(t *testing.T, store *Store, groupID int64) {
	t.Helper()

	if err := store.InsertGroup(models.TransferGroup{ID: groupID, Name: "group"}); err != nil {
		t.Fatalf("insert group %d: %v", groupID, err)
	}
}

func incomingObject(groupID, requestID int64, name string, size int64) models.TransferObject {
	return models.TransferObject{
		GroupID:   groupID,
		RequestID: requestID,
		Direction: models.DirectionIncoming,
		Name:      name,
		File:      ".staging-" + name,
		MIMEType:  "text/plain",
		Size:      size,
		Flag:      models.FlagPending,
	}
}
