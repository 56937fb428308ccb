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

// send answers the receiver's object requests until it closes the job.
func (r *Runner) send(job *Job) Outcome {
	if objects, err := r.Store.ListObjects(job.group.ID, models.DirectionOutgoing); err == nil {
		var total int64
		for _, object := range objects {
			total += object.Size
		}
		job.setTotals(len(objects), total)
	}

	var (
		loopErr   error
		completed bool
	)
	for {
		var (
			request network.Message
			err     error
		)
		if job.token.Interrupted() {
			request, err = job.conn.ReceiveWithin(r.drainTimeout())
		} else {
			request, err = job.conn.Receive()
		}
		if err != nil {
			if !job.token.Interrupted() {
				job.token.Interrupt(interrupt.BySystem)
				loopErr = err
			}
			break
		}

		if request.Failed() {
			if request.JobAborted() {
				job.token.Interrupt(interrupt.ByUser)
			} else {
				completed = request.JobDone != nil && !job.token.Interrupted()
			}
			break
		}

		if job.token.Interrupted() {
			cancelled := network.Message{Result: network.Bool(false), JobDone: network.Bool(false)}
			if err := job.conn.Send(cancelled); err != nil {
				break
			}
			continue
		}

		if err := r.serveObject(job, request); err != nil {
			job.token.Interrupt(interrupt.BySystem)
			loopErr = err
			break
		}
	}

	reason := job.token.Reason()
	switch reason {
	case interrupt.ByUser:
		r.Notifier.Dismiss(job.Info())
	case interrupt.BySystem:
		r.Notifier.ConnectionError(job.Info(), network.ErrorUnknown)
	}
	return Outcome{Reason: reason, Completed: completed, Err: loopErr}
}

// serveObject answers one request. A returned error is a transport failure.
func (r *Runner) serveObject(job *Job, request network.Message) error {
	refuse := func(code string) error {
		reply := network.Fail(code)
		reply.Flag = network.FlagGroupExists
		return job.conn.Send(reply)
	}

	if request.RequestID == nil {
		return refuse(network.ErrorUnknown)
	}
	object, err := r.Store.GetObject(job.group.ID, *request.RequestID, models.DirectionOutgoing)
	if errors.Is(err, storage.ErrNotFound) {
		// No row exists locally, so there is no device flag to mark REMOVED.
		return refuse(network.ErrorNotFound)
	}
	if err != nil {
		r.log().Error("load outgoing object", "job", job.Key().String(), "request_id", *request.RequestID, "error", err)
		return refuse(network.ErrorUnknown)
	}
	job.setCurrent(object.Name)
	deviceID := job.device.ID

	mark := func(flag models.Flag) {
		object.SetFlagFor(deviceID, flag)
		r.persist(job, object)
		if flag != models.FlagRunning {
			metricFiles.WithLabelValues(string(models.DirectionOutgoing), string(flag)).Inc()
		}
	}

	file, err := os.Open(object.File)
	if err != nil {
		r.log().Warn("open source file", "job", job.Key().String(), "path", object.File, "error", err)
		mark(models.FlagInterrupted)
		return refuse(network.ErrorNotAccessible)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		mark(models.FlagInterrupted)
		return refuse(network.ErrorUnknown)
	}

	actual := info.Size()
	sizeChanged := actual != object.Size
	reply := network.OK()
	if sizeChanged {
		reply.SizeChanged = network.Int64(actual)
	}
	if err := job.conn.Send(reply); err != nil {
		mark(models.FlagInterrupted)
		return err
	}

	// The receiver discards a resumable partial whose source changed size; nothing is streamed.
	if sizeChanged && request.SkippedBytes > 0 {
		mark(models.FlagRemoved)
		return nil
	}

	mark(models.FlagRunning)
	complete, err := r.streamOut(job, file, request.SkippedBytes, actual)
	if err != nil {
		mark(models.FlagInterrupted)
		return fmt.Errorf("stream %q: %w", object.Name, err)
	}
	if complete {
		job.fileCompleted()
		mark(models.FlagDone)
	} else {
		mark(models.FlagInterrupted)
	}
	r.Notifier.FileTransaction(job.Info())
	return nil
}
