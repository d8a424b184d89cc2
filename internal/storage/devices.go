package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/micro-hub/hub-bridge/internal/model"
)

func (r *Repository) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, port, online, last_state, temperature, humidity, observed_at, created_at, updated_at
		FROM devices ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *Repository) GetDevice(ctx context.Context, id string) (model.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, port, online, last_state, temperature, humidity, observed_at, created_at, updated_at
		FROM devices WHERE id = ?`, id)
	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	return device, nil
}

func (r *Repository) UpsertDevice(ctx context.Context, device model.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, type, port, online, last_state, temperature, humidity, observed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			type=excluded.type,
			port=excluded.port,
			online=excluded.online,
			last_state=excluded.last_state,
			temperature=excluded.temperature,
			humidity=excluded.humidity,
			observed_at=excluded.observed_at,
			updated_at=excluded.updated_at`,
		device.ID,
		device.Name,
		string(device.Type),
		device.Port,
		device.Online,
		device.LastState,
		fromFloatPtr(device.Temperature),
		fromFloatPtr(device.Humidity),
		fromTimePtr(device.ObservedAt),
		device.CreatedAt.UTC().Format(time.RFC3339Nano),
		device.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// MarkDeviceOnline updates only the polling-owned fields. A nil reading
// means the poll failed: the device goes offline but keeps its last values,
// stale-but-visible beats blank.
func (r *Repository) MarkDeviceOnline(ctx context.Context, id string, online bool, reading *model.SensorReading) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if reading == nil {
		result, err := r.db.ExecContext(ctx,
			`UPDATE devices SET online = ?, updated_at = ? WHERE id = ?`, online, now, id)
		return checkAffected(result, err)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET online = ?, temperature = ?, humidity = ?, observed_at = ?, updated_at = ?
		WHERE id = ?`,
		online,
		reading.Temperature,
		reading.Humidity,
		reading.ObservedAt.UTC().Format(time.RFC3339Nano),
		now,
		id,
	)
	return checkAffected(result, err)
}

// SetDeviceState records the state string returned by a command call.
func (r *Repository) SetDeviceState(ctx context.Context, id, state string, online bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_state = ?, online = ?, updated_at = ? WHERE id = ?`,
		state, online, time.Now().UTC().Format(time.RFC3339Nano), id)
	return checkAffected(result, err)
}

func (r *Repository) DeleteDevice(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	return checkAffected(result, err)
}

func checkAffected(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		device                deviceRow
		observedAt            sql.NullString
		temperature, humidity sql.NullFloat64
		createdAt, updatedAt  string
	)
	err := row.Scan(
		&device.ID, &device.Name, &device.Type, &device.Port, &device.Online,
		&device.LastState, &temperature, &humidity, &observedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Device{}, err
	}
	out := model.Device{
		ID:          device.ID,
		Name:        device.Name,
		Type:        model.DeviceType(device.Type),
		Port:        device.Port,
		Online:      device.Online,
		LastState:   device.LastState,
		Temperature: floatPtr(temperature),
		Humidity:    floatPtr(humidity),
		ObservedAt:  toTimePtr(observedAt),
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		out.CreatedAt = ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		out.UpdatedAt = ts.UTC()
	}
	return out, nil
}

type deviceRow struct {
	ID        string
	Name      string
	Type      string
	Port      string
	Online    bool
	LastState string
}
