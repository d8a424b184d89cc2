package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/micro-hub/hub-bridge/internal/rule"
)

// StoredRule is a rule plus its local sync bookkeeping.
type StoredRule struct {
	Rule      rule.Rule
	SyncState string
	UpdatedAt time.Time
}

func (r *Repository) ListRules(ctx context.Context) ([]StoredRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, condition, action, active_days, trigger_enabled, trigger_hour, trigger_minute,
		       input_device_id, output_device_id, sync_state, updated_at
		FROM rules ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []StoredRule
	for rows.Next() {
		item, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) UpsertRule(ctx context.Context, item StoredRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, condition, action, active_days, trigger_enabled, trigger_hour, trigger_minute,
		                   input_device_id, output_device_id, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			condition=excluded.condition,
			action=excluded.action,
			active_days=excluded.active_days,
			trigger_enabled=excluded.trigger_enabled,
			trigger_hour=excluded.trigger_hour,
			trigger_minute=excluded.trigger_minute,
			input_device_id=excluded.input_device_id,
			output_device_id=excluded.output_device_id,
			sync_state=excluded.sync_state,
			updated_at=excluded.updated_at`,
		item.Rule.ID,
		item.Rule.Name,
		rule.EncodeCondition(item.Rule.Condition),
		rule.EncodeAction(item.Rule.Action),
		item.Rule.ActiveDays.String(),
		item.Rule.TriggerEnabled,
		item.Rule.TriggerTime.Hour,
		item.Rule.TriggerTime.Minute,
		item.Rule.InputDeviceID,
		item.Rule.OutputDeviceID,
		item.SyncState,
		item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ReplaceRules overwrites the stored projection wholesale after a list fetch.
func (r *Repository) ReplaceRules(ctx context.Context, items []StoredRule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rules (id, name, condition, action, active_days, trigger_enabled, trigger_hour, trigger_minute,
		                   input_device_id, output_device_id, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx,
			item.Rule.ID,
			item.Rule.Name,
			rule.EncodeCondition(item.Rule.Condition),
			rule.EncodeAction(item.Rule.Action),
			item.Rule.ActiveDays.String(),
			item.Rule.TriggerEnabled,
			item.Rule.TriggerTime.Hour,
			item.Rule.TriggerTime.Minute,
			item.Rule.InputDeviceID,
			item.Rule.OutputDeviceID,
			item.SyncState,
			item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return checkAffected(result, err)
}

func scanRule(rows *sql.Rows) (StoredRule, error) {
	var item StoredRule
	var condition, action, activeDays, updatedAt string
	var hour, minute int
	if err := rows.Scan(
		&item.Rule.ID, &item.Rule.Name, &condition, &action, &activeDays,
		&item.Rule.TriggerEnabled, &hour, &minute,
		&item.Rule.InputDeviceID, &item.Rule.OutputDeviceID,
		&item.SyncState, &updatedAt,
	); err != nil {
		return StoredRule{}, err
	}
	item.Rule.Condition = rule.ParseCondition(condition)
	item.Rule.Action = rule.ParseAction(action)
	item.Rule.ActiveDays = rule.ParseDaySet(activeDays)
	item.Rule.TriggerTime = rule.TimeOfDay{Hour: hour, Minute: minute}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		item.UpdatedAt = ts.UTC()
	}
	return item, nil
}
