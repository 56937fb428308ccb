// Package notify carries user-facing feedback and lifecycle events out of the transfer engine.
package notify

import (
	"log/slog"

	"lanshare/models"
)

// JobInfo is the read-only view of a running job handed to observers.
type JobInfo struct {
	Key            models.JobKey
	DeviceName     string
	CurrentFile    string
	CompletedCount int
	TotalCount     int
	CompletedBytes int64
	TotalBytes     int64
}

// Indicator is a dismissable progress indicator.
type Indicator interface {
	Progress(total, current int)
	Dismiss()
}

// Notifier receives user-facing callbacks. Implementations must not block.
type Notifier interface {
	PreparingFiles(groupID int64, device models.Device) Indicator
	ConnectionRequest(device models.Device)
	TransferRequest(device models.Device, group models.TransferGroup, count int)
	ClipboardReceived(device models.Device, clip models.ClipboardText)
	FileTransaction(job JobInfo)
	FilesReceived(job JobInfo)
	ReceiveError(job JobInfo)
	ConnectionError(job JobInfo, code string)
	Dismiss(job JobInfo)
}

// LogNotifier writes every notification to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) log() *slog.Logger {
	if n == nil || n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n *LogNotifier) PreparingFiles(groupID int64, device models.Device) Indicator {
	n.log().Info("preparing files", "group", groupID, "device", device.ID)
	return &logIndicator{logger: n.log(), groupID: groupID}
}

func (n *LogNotifier) ConnectionRequest(device models.Device) {
	n.log().Warn("device is waiting for approval", "device", device.ID, "name", device.Name)
}

func (n *LogNotifier) TransferRequest(device models.Device, group models.TransferGroup, count int) {
	n.log().Info("incoming transfer waiting for acceptance",
		"device", device.ID, "name", device.Name, "group", group.ID, "files", count)
}

func (n *LogNotifier) ClipboardReceived(device models.Device, clip models.ClipboardText) {
	n.log().Info("clipboard text received", "device", device.ID, "id", clip.ID, "length", len(clip.Text))
}

func (n *LogNotifier) FileTransaction(job JobInfo) {
	n.log().Debug("file transaction", jobAttrs(job)...)
}

func (n *LogNotifier) FilesReceived(job JobInfo) {
	n.log().Info("files received", jobAttrs(job)...)
}

func (n *LogNotifier) ReceiveError(job JobInfo) {
	n.log().Error("receiving files failed", jobAttrs(job)...)
}

func (n *LogNotifier) ConnectionError(job JobInfo, code string) {
	n.log().Error("transfer connection failed", append(jobAttrs(job), "code", code)...)
}

func (n *LogNotifier) Dismiss(job JobInfo) {
	n.log().Info("transfer dismissed", jobAttrs(job)...)
}

func jobAttrs(job JobInfo) []any {
	return []any{
		"group", job.Key.GroupID,
		"device", job.Key.DeviceID,
		"direction", job.Key.Direction,
		"files", job.CompletedCount,
		"total", job.TotalCount,
		"bytes", job.CompletedBytes,
	}
}

type logIndicator struct {
	logger  *slog.Logger
	groupID int64
}

func (i *logIndicator) Progress(total, current int) {
	i.logger.Debug("indexing progress", "group", i.groupID, "current", current, "total", total)
}

func (i *logIndicator) Dismiss() {}
