package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanshare/models"
)

// InsertGroup inserts a new group row.
func (s *Store) InsertGroup(group models.TransferGroup) error {
	if group.DateCreated == 0 {
		group.DateCreated = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_groups (group_id, name, date_created, save_path) VALUES (?, ?, ?, ?)`,
		group.ID,
		group.Name,
		group.DateCreated,
		group.SavePath,
	)
	if err != nil {
		return fmt.Errorf("insert group %d: %w", group.ID, err)
	}
	return nil
}

// PublishGroup inserts or updates a group row.
func (s *Store) PublishGroup(group models.TransferGroup) error {
	if group.DateCreated == 0 {
		group.DateCreated = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_groups (group_id, name, date_created, save_path) VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			name = excluded.name,
			save_path = excluded.save_path`,
		group.ID,
		group.Name,
		group.DateCreated,
		group.SavePath,
	)
	if err != nil {
		return fmt.Errorf("publish group %d: %w", group.ID, err)
	}
	return nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(groupID int64) (*models.TransferGroup, error) {
	var group models.TransferGroup
	err := s.db.QueryRow(
		`SELECT group_id, name, date_created, save_path FROM transfer_groups WHERE group_id = ?`,
		groupID,
	).Scan(&group.ID, &group.Name, &group.DateCreated, &group.SavePath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get group %d: %w", groupID, err)
	}
	return &group, nil
}

// RemoveGroup deletes a group together with its assignees and objects.
func (s *Store) RemoveGroup(groupID int64) error {
	result, err := s.db.Exec(`DELETE FROM transfer_groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("remove group %d: %w", groupID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read removed group count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PublishAssignee inserts or updates an assignee row.
func (s *Store) PublishAssignee(assignee models.Assignee) error {
	if assignee.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validateDirection(assignee.Direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_assignees (group_id, device_id, direction, adapter) VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, device_id, direction) DO UPDATE SET adapter = excluded.adapter`,
		assignee.GroupID,
		assignee.DeviceID,
		string(assignee.Direction),
		assignee.Adapter,
	)
	if err != nil {
		return fmt.Errorf("publish assignee %d/%s: %w", assignee.GroupID, assignee.DeviceID, err)
	}
	return nil
}

// GetAssignee fetches the participation record of a device in a group.
func (s *Store) GetAssignee(groupID int64, deviceID string, direction models.Direction) (*models.Assignee, error) {
	var (
		assignee models.Assignee
		dir      string
	)
	err := s.db.QueryRow(
		`SELECT group_id, device_id, direction, adapter
		FROM transfer_assignees
		WHERE group_id = ? AND device_id = ? AND direction = ?`,
		groupID,
		deviceID,
		string(direction),
	).Scan(&assignee.GroupID, &assignee.DeviceID, &dir, &assignee.Adapter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignee %d/%s: %w", groupID, deviceID, err)
	}
	assignee.Direction = models.Direction(dir)
	return &assignee, nil
}

// ListAssignees returns every assignee of a group.
func (s *Store) ListAssignees(groupID int64) ([]models.Assignee, error) {
	rows, err := s.db.Query(
		`SELECT group_id, device_id, direction, adapter
		FROM transfer_assignees
		WHERE group_id = ?
		ORDER BY device_id, direction`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignees of %d: %w", groupID, err)
	}
	defer rows.Close()

	out := make([]models.Assignee, 0)
	for rows.Next() {
		var (
			assignee models.Assignee
			dir      string
		)
		if err := rows.Scan(&assignee.GroupID, &assignee.DeviceID, &dir, &assignee.Adapter); err != nil {
			return nil, fmt.Errorf("scan assignee row: %w", err)
		}
		assignee.Direction = models.Direction(dir)
		out = append(out, assignee)
	}
	return out, rows.Err()
}

// RemoveAssignee deletes one assignee row.
func (s *Store) RemoveAssignee(assignee models.Assignee) error {
	result, err := s.db.Exec(
		`DELETE FROM transfer_assignees WHERE group_id = ? AND device_id = ? AND direction = ?`,
		assignee.GroupID,
		assignee.DeviceID,
		string(assignee.Direction),
	)
	if err != nil {
		return fmt.Errorf("remove assignee %d/%s: %w", assignee.GroupID, assignee.DeviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read removed assignee count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
