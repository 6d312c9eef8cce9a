package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// RecordDiskEvent logs a disk operation. A non-nil opErr marks the event as
// failed and is stored with the details.
func (j *Journal) RecordDiskEvent(event *DiskEvent, details map[string]any, opErr error) error {
	if opErr != nil {
		merged := make(map[string]any, len(details)+1)
		for k, v := range details {
			merged[k] = v
		}
		merged["error"] = opErr.Error()
		details = merged
	}

	var detailsJSON string
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = string(b)
		}
	}

	outcome := OutcomeOK
	if opErr != nil {
		outcome = OutcomeFailed
	}

	result, err := j.conn.Exec(`
		INSERT INTO disk_events (event_type, device_path, parent_path, fs_type, mount_path, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.EventType, event.DevicePath, nullString(event.ParentPath), nullString(event.FSType),
		nullString(event.MountPath), outcome, nullString(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to record disk event: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Outcome = outcome
	event.Details = detailsJSON
	return nil
}

// RecentDiskEvents returns the most recent disk events, newest first
func (j *Journal) RecentDiskEvents(limit int) ([]*DiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.conn.Query(`
		SELECT id, event_type, device_path, parent_path, fs_type, mount_path, outcome, details, timestamp
		FROM disk_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query disk events: %w", err)
	}
	defer rows.Close()

	return scanDiskEvents(rows)
}

// DiskEventsForDevice returns every event for one partition, newest first
func (j *Journal) DiskEventsForDevice(devicePath string) ([]*DiskEvent, error) {
	rows, err := j.conn.Query(`
		SELECT id, event_type, device_path, parent_path, fs_type, mount_path, outcome, details, timestamp
		FROM disk_events
		WHERE device_path = ?
		ORDER BY id DESC
	`, devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to query disk events for %s: %w", devicePath, err)
	}
	defer rows.Close()

	return scanDiskEvents(rows)
}

func scanDiskEvents(rows *sql.Rows) ([]*DiskEvent, error) {
	var events []*DiskEvent
	for rows.Next() {
		var event DiskEvent
		var parentPath, fsType, mountPath, details sql.NullString

		err := rows.Scan(
			&event.ID, &event.EventType, &event.DevicePath,
			&parentPath, &fsType, &mountPath,
			&event.Outcome, &details, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan disk event: %w", err)
		}

		event.ParentPath = parentPath.String
		event.FSType = fsType.String
		event.MountPath = mountPath.String
		event.Details = details.String

		events = append(events, &event)
	}

	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
