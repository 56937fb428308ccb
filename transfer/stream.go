package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanshare/models"
)

const stagingSuffix = ".lspart"

// NewStagingToken returns a fresh hidden file name for a partially received object.
func NewStagingToken() string {
	return "." + uuid.NewString() + stagingSuffix
}

func (r *Runner) saveDir(job *Job) string {
	if job.group.SavePath != "" {
		return job.group.SavePath
	}
	return r.FilesDir
}

func (r *Runner) stagingPath(job *Job, object *models.TransferObject) string {
	return filepath.Join(r.saveDir(job), filepath.Base(object.File))
}

// streamOut writes the file from offset up to size as data frames followed by an empty frame.
// It reports whether every byte was sent.
func (r *Runner) streamOut(job *Job, file *os.File, offset, size int64) (bool, error) {
	remaining := size - offset
	if remaining < 0 {
		remaining = 0
	}
	if offset > 0 && remaining > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			remaining = -1
		}
	}

	buf := make([]byte, r.chunkSize())
	for remaining > 0 && !job.token.Interrupted() {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(file, buf[:n]); err != nil {
			r.log().Warn("source file shrank during transfer", "job", job.Key().String(), "error", err)
			break
		}
		if err := job.conn.WriteData(buf[:n]); err != nil {
			return false, err
		}
		remaining -= n
		job.addBytes(n)
		metricBytes.WithLabelValues(string(models.DirectionOutgoing)).Add(float64(n))
	}
	if err := job.conn.WriteData(nil); err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// streamIn appends data frames to the staging file until the empty frame.
// Frames beyond the expected size or a local write failure leave the object incomplete
// while the stream is still consumed.
func (r *Runner) streamIn(job *Job, path string, currentSize, size int64) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		r.log().Error("open staging file", "path", path, "error", err)
		file = nil
	}
	writable := file != nil
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	written := currentSize
	for {
		chunk, err := job.conn.ReadData()
		if err != nil {
			return false, err
		}
		if len(chunk) == 0 {
			break
		}
		written += int64(len(chunk))
		job.addBytes(int64(len(chunk)))
		metricBytes.WithLabelValues(string(models.DirectionIncoming)).Add(float64(len(chunk)))

		if writable && written > size {
			writable = false
		}
		if writable {
			if _, err := file.Write(chunk); err != nil {
				r.log().Error("write staging file", "path", path, "error", err)
				writable = false
			}
		}
		if job.token.Interrupted() {
			return false, r.drainData(job)
		}
	}
	if file != nil {
		if err := file.Close(); err != nil {
			writable = false
		}
		file = nil
	}
	return writable && written == size, nil
}

// drainData discards the rest of a stream so the peer reaches its terminator
// and reads the closing message next. The whole drain is bounded by the drain timeout.
func (r *Runner) drainData(job *Job) error {
	deadline := time.Now().Add(r.drainTimeout())
	discarded := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("drain cancelled stream: %w", os.ErrDeadlineExceeded)
		}
		chunk, err := job.conn.ReadDataWithin(remaining)
		if err != nil {
			return fmt.Errorf("drain cancelled stream: %w", err)
		}
		if len(chunk) == 0 {
			r.log().Debug("drained cancelled stream", "job", job.Key().String(), "frames", discarded)
			return nil
		}
		discarded++
	}
}

// finalize moves a complete staging file to its destination under the save directory
// and returns the final path.
func (r *Runner) finalize(job *Job, object *models.TransferObject, staging string) (string, error) {
	root := r.saveDir(job)
	dir := root
	if object.Directory != "" {
		relative := filepath.Clean(filepath.FromSlash(object.Directory))
		if !filepath.IsLocal(relative) {
			return "", fmt.Errorf("directory %q escapes the save directory", object.Directory)
		}
		dir = filepath.Join(root, relative)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(filepath.FromSlash(object.Name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "file"
	}
	destination, err := uniquePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(staging, destination); err != nil {
		return "", err
	}
	return destination, nil
}

// uniquePath picks name, or "name (n).ext" when taken.
func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; i < 10000; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	return "", fmt.Errorf("no free file name for %q", name)
}
