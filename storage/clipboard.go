package storage

import (
	"errors"
	"fmt"

	"lanshare/models"
)

// SaveClipboard stores a shared text and returns its ID.
func (s *Store) SaveClipboard(clip models.ClipboardText) (int64, error) {
	if clip.Text == "" {
		return 0, errors.New("text is required")
	}
	if clip.DateReceived == 0 {
		clip.DateReceived = nowUnixMilli()
	}

	result, err := s.db.Exec(
		`INSERT INTO clipboard_texts (device_id, text, date_received) VALUES (?, ?, ?)`,
		clip.DeviceID,
		clip.Text,
		clip.DateReceived,
	)
	if err != nil {
		return 0, fmt.Errorf("insert clipboard text: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read clipboard text id: %w", err)
	}
	return id, nil
}

// ListClipboard returns the stored texts, newest first.
func (s *Store) ListClipboard() ([]models.ClipboardText, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, text, date_received FROM clipboard_texts ORDER BY date_received DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list clipboard texts: %w", err)
	}
	defer rows.Close()

	out := make([]models.ClipboardText, 0)
	for rows.Next() {
		var clip models.ClipboardText
		if err := rows.Scan(&clip.ID, &clip.DeviceID, &clip.Text, &clip.DateReceived); err != nil {
			return nil, fmt.Errorf("scan clipboard row: %w", err)
		}
		out = append(out, clip)
	}
	return out, rows.Err()
}
