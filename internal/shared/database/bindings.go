package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

const bindingColumns = `id, api_id, instance_id, port, image, state, error, created_at, updated_at`

func scanBinding(row rowScanner) (*models.Binding, error) {
	var b models.Binding
	err := row.Scan(&b.ID, &b.DefinitionID, &b.InstanceID, &b.Port, &b.Image, &b.State, &b.Error, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBinding records a binding, normally in the provisioning state.
func (db *DB) CreateBinding(ctx context.Context, b *models.Binding) error {
	ts := now()
	b.CreatedAt, b.UpdatedAt = ts, ts

	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO api_bindings (`+bindingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.DefinitionID, b.InstanceID, b.Port, b.Image, string(b.State), b.Error, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// GetBinding loads a binding by id.
func (db *DB) GetBinding(ctx context.Context, id string) (*models.Binding, error) {
	b, err := scanBinding(db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+bindingColumns+` FROM api_bindings WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "binding not found")
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return b, nil
}

// ListBindings returns every binding in the given state.
func (db *DB) ListBindings(ctx context.Context, state models.BindingState) ([]*models.Binding, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT `+bindingColumns+` FROM api_bindings WHERE state = ? ORDER BY created_at`), string(state))
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FailBinding marks a provisioning binding as failed.
func (db *DB) FailBinding(ctx context.Context, id, reason string) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		UPDATE api_bindings SET state = ?, error = ?, updated_at = ?
		WHERE id = ?`),
		string(models.BindingFailed), reason, now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail binding: %w", err)
	}
	return nil
}

// CommitBinding atomically makes b the definition's live binding: b becomes
// bound with its instance identity, any previous binding is released and
// the definition moves to deployed. The previous binding is returned so
// its instance can be torn down.
func (db *DB) CommitBinding(ctx context.Context, b *models.Binding) (*models.Binding, error) {
	var previous *models.Binding

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var prevID sql.NullString
		err := tx.QueryRowContext(ctx, db.rebind(`SELECT binding_id FROM api_definitions WHERE id = ?`), b.DefinitionID).Scan(&prevID)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.NotFound, "api not found")
		}
		if err != nil {
			return fmt.Errorf("load definition: %w", err)
		}

		ts := now()
		if prevID.Valid && prevID.String != b.ID {
			previous, err = scanBinding(tx.QueryRowContext(ctx,
				db.rebind(`SELECT `+bindingColumns+` FROM api_bindings WHERE id = ?`), prevID.String))
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("load previous binding: %w", err)
			}
			if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE api_bindings SET state = ?, updated_at = ? WHERE id = ?`),
				string(models.BindingReleased), ts, prevID.String); err != nil {
				return fmt.Errorf("release previous binding: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE api_bindings SET state = ?, instance_id = ?, port = ?, image = ?, updated_at = ?
			WHERE id = ? AND state = ?`),
			string(models.BindingBound), b.InstanceID, b.Port, b.Image, ts, b.ID, string(models.BindingProvisioning))
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.Conflict, "binding is no longer provisioning")
		}

		if _, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE api_definitions SET status = ?, binding_id = ?, updated_at = ? WHERE id = ?`),
			string(models.StatusDeployed), b.ID, ts, b.DefinitionID); err != nil {
			return fmt.Errorf("mark deployed: %w", err)
		}

		b.State = models.BindingBound
		b.UpdatedAt = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// ReleaseBinding detaches the live binding of a definition, leaving it in
// state (released or failed) with reason, and moves the definition to
// stopped. It returns the detached binding, or nil if none was live.
func (db *DB) ReleaseBinding(ctx context.Context, definitionID string, state models.BindingState, reason string) (*models.Binding, error) {
	var released *models.Binding

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var bindingID sql.NullString
		err := tx.QueryRowContext(ctx, db.rebind(`SELECT binding_id FROM api_definitions WHERE id = ?`), definitionID).Scan(&bindingID)
		if err == sql.ErrNoRows {
			return apperr.New(apperr.NotFound, "api not found")
		}
		if err != nil {
			return fmt.Errorf("load definition: %w", err)
		}
		if !bindingID.Valid {
			return nil
		}

		released, err = scanBinding(tx.QueryRowContext(ctx,
			db.rebind(`SELECT `+bindingColumns+` FROM api_bindings WHERE id = ?`), bindingID.String))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("load binding: %w", err)
		}

		ts := now()
		if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE api_bindings SET state = ?, error = ?, updated_at = ? WHERE id = ?`),
			string(state), reason, ts, bindingID.String); err != nil {
			return fmt.Errorf("release binding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE api_definitions SET status = ?, binding_id = NULL, updated_at = ? WHERE id = ?`),
			string(models.StatusStopped), ts, definitionID); err != nil {
			return fmt.Errorf("mark stopped: %w", err)
		}

		if released != nil {
			released.State = state
			released.Error = reason
			released.UpdatedAt = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
