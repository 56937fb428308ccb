package transfer

import (
	"log/slog"
	"time"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/notify"
	"lanshare/registry"
)

const (
	// DefaultChunkSize bounds a single data frame of a file stream.
	DefaultChunkSize = 256 * 1024
	// DefaultDrainTimeout bounds how long a cancelled sender waits for the receiver's closing message.
	DefaultDrainTimeout = 5 * time.Second
)

// Runner executes jobs that are already registered in Registry.
type Runner struct {
	Store    Store
	Registry *registry.Registry
	Notifier notify.Notifier
	Bus      *notify.Bus
	Logger   *slog.Logger

	// FilesDir is where received files land when the group carries no save path.
	FilesDir     string
	ChunkSize    int
	DrainTimeout time.Duration
}

// Outcome reports how a job ended.
type Outcome struct {
	Reason interrupt.Reason
	// Retry is set by the receiver when a transport failure left work that a reconnect could finish.
	Retry bool
	// Completed is set when every object of the job reached a terminal state without interruption.
	Completed bool
	Err       error
}

// Run drives job in its direction until it ends, then deregisters it.
func (r *Runner) Run(job *Job) Outcome {
	r.announce(job, notify.JobOngoing)
	defer func() {
		r.Registry.Remove(job)
		job.token.RemoveCloser(job.conn)
		r.announce(job, notify.JobStopped)
	}()

	log := r.log().With("job", job.Key().String(), "attempts_left", job.attemptsLeft)
	log.Info("job started")

	var outcome Outcome
	switch job.direction {
	case models.DirectionIncoming:
		outcome = r.receive(job)
	default:
		outcome = r.send(job)
	}

	if outcome.Err != nil {
		log.Warn("job ended with error", "reason", outcome.Reason.String(), "retry", outcome.Retry, "error", outcome.Err)
	} else {
		log.Info("job ended", "reason", outcome.Reason.String(), "completed", outcome.Completed)
	}
	return outcome
}

func (r *Runner) announce(job *Job, status notify.JobStatus) {
	r.Bus.Publish(notify.Event{
		Type:   notify.EventJobStatusChanged,
		Job:    job.Key(),
		Status: status,
	})
	r.Bus.Publish(notify.Event{
		Type:    notify.EventRunningJobListChanged,
		Running: r.Registry.List(),
	})
}

func (r *Runner) persist(job *Job, object *models.TransferObject) {
	if err := r.Store.UpdateObject(*object); err != nil {
		r.log().Error("persist transfer object",
			"job", job.Key().String(), "request_id", object.RequestID, "error", err)
	}
}

func (r *Runner) chunkSize() int {
	if r.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return r.ChunkSize
}

func (r *Runner) drainTimeout() time.Duration {
	if r.DrainTimeout <= 0 {
		return DefaultDrainTimeout
	}
	return r.DrainTimeout
}

func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
