package transfer

import (
	"errors"
	"fmt"
	"os"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/network"
	"lanshare/storage"
)

// receive pulls pending incoming objects from the peer one at a time.
func (r *Runner) receive(job *Job) Outcome {
	groupID := job.group.ID
	if objects, err := r.Store.ListObjects(groupID, models.DirectionIncoming); err == nil {
		var total int64
		for _, object := range objects {
			total += object.Size
		}
		job.setTotals(len(objects), total)
	}

	// Objects left RUNNING or INTERRUPTED by an earlier job are offered again, resuming their partials.
	r.recover(job)

	var (
		retry   bool
		loopErr error
	)
	for !job.token.Interrupted() {
		object, err := r.Store.FirstPendingIncoming(groupID)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err == nil {
			err = r.receiveObject(job, object)
		}
		if err != nil {
			loopErr = err
			retry = true
			r.recover(job)
			break
		}
	}

	allDone, err := r.Store.AllIncomingDone(groupID)
	if err != nil {
		r.log().Error("check group completion", "group", groupID, "error", err)
	}
	completed := allDone && !job.token.Interrupted()
	closing := network.Message{Result: network.Bool(false), JobDone: network.Bool(completed)}
	if err := job.conn.Send(closing); err != nil && loopErr == nil {
		r.log().Debug("send closing message", "job", job.Key().String(), "error", err)
	}

	reason := job.token.Reason()
	retry = retry && reason != interrupt.ByUser
	if !retry {
		switch reason {
		case interrupt.ByUser:
			r.Notifier.Dismiss(job.Info())
		case interrupt.BySystem:
			r.Notifier.ReceiveError(job.Info())
		default:
			r.Notifier.FilesReceived(job.Info())
		}
	}

	return Outcome{
		Reason:    reason,
		Retry:     retry,
		Completed: completed,
		Err:       loopErr,
	}
}

// receiveObject negotiates and receives one object. A returned error is a transport failure;
// peer-side refusals are recorded on the object and the loop continues.
func (r *Runner) receiveObject(job *Job, object *models.TransferObject) error {
	job.setCurrent(object.Name)
	staging := r.stagingPath(job, object)

	currentSize, err := prepareStaging(staging, object.Size)
	if err != nil {
		return fmt.Errorf("prepare staging file for %q: %w", object.Name, err)
	}

	offer := network.Message{
		Result:    network.Bool(true),
		RequestID: network.Int64(object.RequestID),
	}
	if currentSize > 0 {
		offer.SkippedBytes = currentSize
	}
	response, err := job.conn.Exchange(offer)
	if err != nil {
		return fmt.Errorf("negotiate %q: %w", object.Name, err)
	}

	if !response.Succeeded() {
		if response.JobAborted() {
			job.token.Interrupt(interrupt.ByUser)
			return nil
		}
		object.Flag = refusalFlag(response)
		r.persist(job, object)
		metricFiles.WithLabelValues(string(models.DirectionIncoming), string(object.Flag)).Inc()
		r.log().Info("peer refused object",
			"job", job.Key().String(), "request_id", object.RequestID, "error", response.Error, "flag", string(object.Flag))
		return nil
	}

	if response.SizeChanged != nil && *response.SizeChanged != object.Size {
		if currentSize > 0 {
			if err := os.Remove(staging); err != nil {
				r.log().Warn("remove stale partial file", "path", staging, "error", err)
			}
			object.Flag = models.FlagRemoved
			r.persist(job, object)
			metricFiles.WithLabelValues(string(models.DirectionIncoming), string(object.Flag)).Inc()
			return nil
		}
		object.Size = *response.SizeChanged
	}

	object.Flag = models.FlagRunning
	r.persist(job, object)

	complete, err := r.streamIn(job, staging, currentSize, object.Size)
	if err != nil {
		object.Flag = models.FlagInterrupted
		r.persist(job, object)
		return fmt.Errorf("receive %q: %w", object.Name, err)
	}

	object.Flag = models.FlagInterrupted
	if complete {
		destination, err := r.finalize(job, object, staging)
		if err != nil {
			r.log().Error("move received file", "job", job.Key().String(), "name", object.Name, "error", err)
		} else {
			object.Flag = models.FlagDone
			object.File = destination
			job.fileCompleted()
		}
	}
	r.persist(job, object)
	metricFiles.WithLabelValues(string(models.DirectionIncoming), string(object.Flag)).Inc()
	r.Notifier.FileTransaction(job.Info())
	return nil
}

// recover returns RUNNING and INTERRUPTED incoming objects of the job's group to PENDING.
func (r *Runner) recover(job *Job) {
	if _, err := r.Store.RecoverIncomingInterruptions(job.group.ID); err != nil {
		r.log().Error("recover interrupted objects", "group", job.group.ID, "error", err)
	}
}

func refusalFlag(response network.Message) models.Flag {
	if response.Flag == network.FlagGroupExists && response.Error == network.ErrorNotFound {
		return models.FlagRemoved
	}
	return models.FlagInterrupted
}

// prepareStaging returns the usable size of an existing partial file.
// A partial file larger than the expected size cannot be resumed and is truncated.
func prepareStaging(path string, expected int64) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.Size() > expected {
		if err := os.Truncate(path, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return info.Size(), nil
}
