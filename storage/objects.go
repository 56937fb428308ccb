package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanshare/models"
)

const objectColumns = `group_id, request_id, direction, name, file, mime_type, size, directory, flag`

// InsertObjects inserts a batch of objects in one transaction.
func (s *Store) InsertObjects(objects []models.TransferObject, progress ProgressFunc) error {
	return s.writeObjects(objects, progress, false)
}

// PublishObjects upserts a batch of objects in one transaction. Existing rows keep
// their flag and staging file so partially received data stays resumable.
func (s *Store) PublishObjects(objects []models.TransferObject, progress ProgressFunc) error {
	return s.writeObjects(objects, progress, true)
}

func (s *Store) writeObjects(objects []models.TransferObject, progress ProgressFunc, upsert bool) error {
	for _, object := range objects {
		if err := validateObject(object); err != nil {
			return err
		}
	}

	query := `INSERT INTO transfer_objects (` + objectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT(group_id, request_id, direction) DO UPDATE SET
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			directory = excluded.directory`
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin object batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare object batch: %w", err)
	}
	defer stmt.Close()

	total := len(objects)
	for i, object := range objects {
		if object.Flag == "" {
			object.Flag = models.FlagPending
		}
		if _, err := stmt.Exec(
			object.GroupID,
			object.RequestID,
			string(object.Direction),
			object.Name,
			object.File,
			object.MIMEType,
			object.Size,
			object.Directory,
			string(object.Flag),
		); err != nil {
			return fmt.Errorf("write object %d/%d: %w", object.GroupID, object.RequestID, err)
		}
		if err := upsertDeviceFlags(tx, object); err != nil {
			return err
		}
		if progress != nil && !progress(total, i+1) {
			return ErrAborted
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit object batch: %w", err)
	}
	return nil
}

// GetObject fetches one object with its per-device flags.
func (s *Store) GetObject(groupID, requestID int64, direction models.Direction) (*models.TransferObject, error) {
	row := s.db.QueryRow(
		`SELECT `+objectColumns+`
		FROM transfer_objects
		WHERE group_id = ? AND request_id = ? AND direction = ?`,
		groupID,
		requestID,
		string(direction),
	)
	object, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %d/%d: %w", groupID, requestID, err)
	}
	if err := s.loadDeviceFlags(object); err != nil {
		return nil, err
	}
	return object, nil
}

// UpdateObject writes the mutable fields and per-device flags of an existing object.
func (s *Store) UpdateObject(object models.TransferObject) error {
	if object.Flag == "" {
		object.Flag = models.FlagPending
	}
	if err := validateObject(object); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin object update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.Exec(
		`UPDATE transfer_objects
		SET name = ?, file = ?, mime_type = ?, size = ?, directory = ?, flag = ?
		WHERE group_id = ? AND request_id = ? AND direction = ?`,
		object.Name,
		object.File,
		object.MIMEType,
		object.Size,
		object.Directory,
		string(object.Flag),
		object.GroupID,
		object.RequestID,
		string(object.Direction),
	)
	if err != nil {
		return fmt.Errorf("update object %d/%d: %w", object.GroupID, object.RequestID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read updated object count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := upsertDeviceFlags(tx, object); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit object update: %w", err)
	}
	return nil
}

// ListObjects returns the objects of a group in one direction, in insertion order.
func (s *Store) ListObjects(groupID int64, direction models.Direction) ([]models.TransferObject, error) {
	rows, err := s.db.Query(
		`SELECT `+objectColumns+`
		FROM transfer_objects
		WHERE group_id = ? AND direction = ?
		ORDER BY rowid`,
		groupID,
		string(direction),
	)
	if err != nil {
		return nil, fmt.Errorf("list objects of %d: %w", groupID, err)
	}

	out := make([]models.TransferObject, 0)
	for rows.Next() {
		object, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan object row: %w", err)
		}
		out = append(out, *object)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate object rows: %w", err)
	}
	rows.Close()

	for i := range out {
		if err := s.loadDeviceFlags(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FirstPendingIncoming returns the next incoming object of a group still to be received.
func (s *Store) FirstPendingIncoming(groupID int64) (*models.TransferObject, error) {
	row := s.db.QueryRow(
		`SELECT `+objectColumns+`
		FROM transfer_objects
		WHERE group_id = ? AND direction = ? AND flag IN (?, ?)
		ORDER BY rowid
		LIMIT 1`,
		groupID,
		string(models.DirectionIncoming),
		string(models.FlagPending),
		string(models.FlagRunning),
	)
	object, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending object of %d: %w", groupID, err)
	}
	return object, nil
}

// AllIncomingDone reports whether every incoming object of a group reached DONE.
func (s *Store) AllIncomingDone(groupID int64) (bool, error) {
	var remaining int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM transfer_objects WHERE group_id = ? AND direction = ? AND flag != ?`,
		groupID,
		string(models.DirectionIncoming),
		string(models.FlagDone),
	).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("count unfinished objects of %d: %w", groupID, err)
	}
	return remaining == 0, nil
}

// RecoverIncomingInterruptions resets stuck or interrupted incoming objects of a group to PENDING.
func (s *Store) RecoverIncomingInterruptions(groupID int64) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE transfer_objects SET flag = ?
		WHERE group_id = ? AND direction = ? AND flag IN (?, ?)`,
		string(models.FlagPending),
		groupID,
		string(models.DirectionIncoming),
		string(models.FlagRunning),
		string(models.FlagInterrupted),
	)
	if err != nil {
		return 0, fmt.Errorf("recover objects of %d: %w", groupID, err)
	}
	return result.RowsAffected()
}

func (s *Store) loadDeviceFlags(object *models.TransferObject) error {
	rows, err := s.db.Query(
		`SELECT device_id, flag FROM transfer_object_flags
		WHERE group_id = ? AND request_id = ? AND direction = ?`,
		object.GroupID,
		object.RequestID,
		string(object.Direction),
	)
	if err != nil {
		return fmt.Errorf("load device flags of %d/%d: %w", object.GroupID, object.RequestID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var deviceID, flag string
		if err := rows.Scan(&deviceID, &flag); err != nil {
			return fmt.Errorf("scan device flag row: %w", err)
		}
		object.SetFlagFor(deviceID, models.Flag(flag))
	}
	return rows.Err()
}

func upsertDeviceFlags(tx *sql.Tx, object models.TransferObject) error {
	for deviceID, flag := range object.DeviceFlags {
		if err := validateFlag(flag); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO transfer_object_flags (group_id, request_id, direction, device_id, flag)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(group_id, request_id, direction, device_id) DO UPDATE SET flag = excluded.flag`,
			object.GroupID,
			object.RequestID,
			string(object.Direction),
			deviceID,
			string(flag),
		); err != nil {
			return fmt.Errorf("write device flag %d/%d/%s: %w", object.GroupID, object.RequestID, deviceID, err)
		}
	}
	return nil
}

func scanObject(row scanner) (*models.TransferObject, error) {
	var (
		object    models.TransferObject
		direction string
		flag      string
	)
	if err := row.Scan(
		&object.GroupID,
		&object.RequestID,
		&direction,
		&object.Name,
		&object.File,
		&object.MIMEType,
		&object.Size,
		&object.Directory,
		&flag,
	); err != nil {
		return nil, err
	}
	object.Direction = models.Direction(direction)
	object.Flag = models.Flag(flag)
	return &object, nil
}

func validateObject(object models.TransferObject) error {
	if object.Name == "" {
		return errors.New("object name is required")
	}
	if object.File == "" {
		return errors.New("object file is required")
	}
	if object.Size < 0 {
		return fmt.Errorf("invalid object size %d", object.Size)
	}
	if err := validateDirection(object.Direction); err != nil {
		return err
	}
	if object.Flag != "" {
		return validateFlag(object.Flag)
	}
	return nil
}
