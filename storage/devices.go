package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanshare/models"
)

// PublishDevice inserts or replaces a device row.
func (s *Store) PublishDevice(device models.Device) error {
	if device.ID == "" {
		return errors.New("device_id is required")
	}
	if device.Name == "" {
		device.Name = device.ID
	}
	if device.LastUsage == 0 {
		device.LastUsage = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			device_name,
			app_version,
			trusted,
			restricted,
			last_usage
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			app_version = excluded.app_version,
			trusted = excluded.trusted,
			restricted = excluded.restricted,
			last_usage = excluded.last_usage`,
		device.ID,
		device.Name,
		device.AppVersion,
		boolToInt(device.Trusted),
		boolToInt(device.Restricted),
		device.LastUsage,
	)
	if err != nil {
		return fmt.Errorf("publish device %q: %w", device.ID, err)
	}
	return nil
}

// GetDevice fetches a device by ID.
func (s *Store) GetDevice(deviceID string) (*models.Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, app_version, trusted, restricted, last_usage
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	var device models.Device
	if err := row.Scan(&device.ID, &device.Name, &device.AppVersion, &device.Trusted, &device.Restricted, &device.LastUsage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}
	return &device, nil
}

// ListDevices returns all devices sorted by name.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, app_version, trusted, restricted, last_usage
		FROM devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var device models.Device
		if err := rows.Scan(&device.ID, &device.Name, &device.AppVersion, &device.Trusted, &device.Restricted, &device.LastUsage); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return devices, nil
}

// PublishConnection records the adapter and address a device was reached through.
func (s *Store) PublishConnection(connection models.DeviceConnection) error {
	if connection.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if connection.Adapter == "" {
		return errors.New("adapter is required")
	}
	if connection.LastCheck == 0 {
		connection.LastCheck = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO device_connections (device_id, adapter, address, last_check)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, adapter) DO UPDATE SET
			address = excluded.address,
			last_check = excluded.last_check`,
		connection.DeviceID,
		connection.Adapter,
		connection.Address,
		connection.LastCheck,
	)
	if err != nil {
		return fmt.Errorf("publish connection %q/%q: %w", connection.DeviceID, connection.Adapter, err)
	}
	return nil
}

// GetConnection fetches the connection of a device over one adapter.
func (s *Store) GetConnection(deviceID, adapter string) (*models.DeviceConnection, error) {
	row := s.db.QueryRow(
		`SELECT device_id, adapter, address, last_check
		FROM device_connections
		WHERE device_id = ? AND adapter = ?`,
		deviceID,
		adapter,
	)
	return scanConnection(row, deviceID)
}

// LatestConnection returns the most recently checked connection of a device.
func (s *Store) LatestConnection(deviceID string) (*models.DeviceConnection, error) {
	row := s.db.QueryRow(
		`SELECT device_id, adapter, address, last_check
		FROM device_connections
		WHERE device_id = ?
		ORDER BY last_check DESC
		LIMIT 1`,
		deviceID,
	)
	return scanConnection(row, deviceID)
}

func scanConnection(row scanner, deviceID string) (*models.DeviceConnection, error) {
	var connection models.DeviceConnection
	if err := row.Scan(&connection.DeviceID, &connection.Adapter, &connection.Address, &connection.LastCheck); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection for %q: %w", deviceID, err)
	}
	return &connection, nil
}
