package transfer

import (
	"sync"
	"time"

	"lanshare/interrupt"
	"lanshare/models"
	"lanshare/network"
	"lanshare/notify"
)

// DefaultAttempts is the number of automatic restarts a job may use after transport failures.
const DefaultAttempts = 2

// Job is the live context of one transfer job. It is owned by the goroutine running it;
// other components only see Key, Interrupter and Info.
type Job struct {
	conn      *network.Conn
	group     models.TransferGroup
	device    models.Device
	assignee  models.Assignee
	direction models.Direction
	token     *interrupt.Interrupter
	started   time.Time

	attemptsLeft int

	mu             sync.Mutex
	currentFile    string
	completedCount int
	totalCount     int
	completedBytes int64
	totalBytes     int64
}

// NewJob binds a job to conn. ForceClose on the job's token closes conn.
func NewJob(conn *network.Conn, group models.TransferGroup, device models.Device, assignee models.Assignee, attemptsLeft int) *Job {
	token := interrupt.New()
	token.AddCloser(conn)
	return &Job{
		conn:         conn,
		group:        group,
		device:       device,
		assignee:     assignee,
		direction:    assignee.Direction,
		token:        token,
		started:      time.Now(),
		attemptsLeft: attemptsLeft,
	}
}

// Key identifies the job in the registry.
func (j *Job) Key() models.JobKey {
	return models.JobKey{GroupID: j.group.ID, DeviceID: j.device.ID, Direction: j.direction}
}

// Interrupter returns the job's cancellation token.
func (j *Job) Interrupter() *interrupt.Interrupter { return j.token }

// AttemptsLeft returns the remaining automatic restarts.
func (j *Job) AttemptsLeft() int { return j.attemptsLeft }

// Device returns the peer of the job.
func (j *Job) Device() models.Device { return j.device }

// Info returns a read-only snapshot for observers.
func (j *Job) Info() notify.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return notify.JobInfo{
		Key:            j.Key(),
		DeviceName:     j.device.Name,
		CurrentFile:    j.currentFile,
		CompletedCount: j.completedCount,
		TotalCount:     j.totalCount,
		CompletedBytes: j.completedBytes,
		TotalBytes:     j.totalBytes,
	}
}

func (j *Job) setTotals(count int, bytes int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.totalCount = count
	j.totalBytes = bytes
}

func (j *Job) setCurrent(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.currentFile = name
}

func (j *Job) addBytes(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completedBytes += n
}

func (j *Job) fileCompleted() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completedCount++
}
