// Package transfer runs the per-job sender and receiver state machines and the
// indexing pipeline that turns an incoming manifest into transfer records.
package transfer

import (
	"lanshare/models"
	"lanshare/storage"
)

// Store is the persistence the engine needs. *storage.Store implements it.
type Store interface {
	GetGroup(groupID int64) (*models.TransferGroup, error)
	InsertGroup(group models.TransferGroup) error
	PublishGroup(group models.TransferGroup) error
	RemoveGroup(groupID int64) error
	PublishAssignee(assignee models.Assignee) error

	InsertObjects(objects []models.TransferObject, progress storage.ProgressFunc) error
	PublishObjects(objects []models.TransferObject, progress storage.ProgressFunc) error
	GetObject(groupID, requestID int64, direction models.Direction) (*models.TransferObject, error)
	UpdateObject(object models.TransferObject) error
	ListObjects(groupID int64, direction models.Direction) ([]models.TransferObject, error)
	FirstPendingIncoming(groupID int64) (*models.TransferObject, error)
	AllIncomingDone(groupID int64) (bool, error)
	RecoverIncomingInterruptions(groupID int64) (int64, error)
}

var _ Store = (*storage.Store)(nil)
