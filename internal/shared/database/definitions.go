package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

const definitionColumns = `
	d.id, d.owner_id, d.name, d.description, d.path, d.code, d.language, d.visibility, d.secret,
	d.quota_per_hour, d.quota_per_day, d.quota_per_month, d.requires_auth, d.allowed_origins,
	d.pricing_model, d.unit_price, d.data_store_kind, d.data_store_url, d.status,
	d.created_at, d.updated_at,
	b.id, b.instance_id, b.port, b.image, b.state, b.error, b.created_at, b.updated_at`

const definitionFrom = `
	FROM api_definitions d
	LEFT JOIN api_bindings b ON b.id = d.binding_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*models.Definition, error) {
	var (
		d                     models.Definition
		secret                sql.NullString
		origins               string
		storeKind, storeURL   string
		bindingID, instanceID sql.NullString
		bindingImage, state   sql.NullString
		bindingErr            sql.NullString
		port                  sql.NullInt64
		bCreated, bUpdated    sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.OwnerID, &d.Name, &d.Description, &d.Path, &d.Code, &d.Language, &d.Visibility, &secret,
		&d.Quota.PerHour, &d.Quota.PerDay, &d.Quota.PerMonth, &d.Quota.RequiresAuth, &origins,
		&d.Pricing.Model, &d.Pricing.UnitPrice, &storeKind, &storeURL, &d.Status,
		&d.CreatedAt, &d.UpdatedAt,
		&bindingID, &instanceID, &port, &bindingImage, &state, &bindingErr, &bCreated, &bUpdated,
	)
	if err != nil {
		return nil, err
	}

	if secret.Valid {
		s := secret.String
		d.Secret = &s
	}
	d.Quota.AllowedOrigins = splitOrigins(origins)
	if storeKind != "" {
		d.DataStore = &models.DataStore{Kind: storeKind, URL: storeURL}
	}
	if bindingID.Valid {
		d.Binding = &models.Binding{
			ID:           bindingID.String,
			DefinitionID: d.ID,
			InstanceID:   instanceID.String,
			Port:         int(port.Int64),
			Image:        bindingImage.String,
			State:        models.BindingState(state.String),
			Error:        bindingErr.String,
			CreatedAt:    bCreated.Time,
			UpdatedAt:    bUpdated.Time,
		}
	}
	d.Parameters = []models.Parameter{}

	return &d, nil
}

// CreateDefinition inserts a definition and its parameters. A duplicate
// public path yields a Conflict error and leaves the catalog untouched.
func (db *DB) CreateDefinition(ctx context.Context, d *models.Definition) error {
	ts := now()
	d.CreatedAt, d.UpdatedAt = ts, ts

	storeKind, storeURL := dataStoreColumns(d.DataStore)

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := db.rebind(`
			INSERT INTO api_definitions (
				id, owner_id, name, description, path, code, language, visibility, secret,
				quota_per_hour, quota_per_day, quota_per_month, requires_auth, allowed_origins,
				pricing_model, unit_price, data_store_kind, data_store_url, status, binding_id,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`)

		_, err := tx.ExecContext(ctx, query,
			d.ID, d.OwnerID, d.Name, d.Description, d.Path, d.Code, d.Language, string(d.Visibility), nullString(d.Secret),
			d.Quota.PerHour, d.Quota.PerDay, d.Quota.PerMonth, d.Quota.RequiresAuth, joinOrigins(d.Quota.AllowedOrigins),
			string(d.Pricing.Model), d.Pricing.UnitPrice, storeKind, storeURL, string(d.Status),
			d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Wrap(apperr.Conflict, err, fmt.Sprintf("path %q is already registered", d.Path))
			}
			return fmt.Errorf("insert definition: %w", err)
		}

		return db.insertParameters(ctx, tx, d.ID, d.Parameters)
	})
	return err
}

// GetDefinition loads a definition by id.
func (db *DB) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	return db.getDefinition(ctx, "d.id = ?", id)
}

// GetDefinitionByPath loads a definition by its public path.
func (db *DB) GetDefinitionByPath(ctx context.Context, path string) (*models.Definition, error) {
	return db.getDefinition(ctx, "d.path = ?", path)
}

func (db *DB) getDefinition(ctx context.Context, where string, arg string) (*models.Definition, error) {
	query := db.rebind("SELECT " + definitionColumns + definitionFrom + " WHERE " + where)

	d, err := scanDefinition(db.conn.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "api not found")
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	params, err := db.listParameters(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	d.Parameters = params

	return d, nil
}

// ListDefinitions returns an owner's definitions, newest first, with their
// total request counts.
func (db *DB) ListDefinitions(ctx context.Context, ownerID string) ([]*models.Definition, error) {
	query := db.rebind("SELECT " + definitionColumns +
		", (SELECT COUNT(*) FROM usage_records u WHERE u.api_id = d.id)" +
		definitionFrom + " WHERE d.owner_id = ? ORDER BY d.created_at DESC, d.id")

	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	var defs []*models.Definition
	for rows.Next() {
		var total int64
		d, err := scanDefinition(countingScanner{rows, &total})
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		d.TotalRequests = total
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Parameters are loaded after the cursor is closed; SQLite runs on a single connection.
	for _, d := range defs {
		params, err := db.listParameters(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		d.Parameters = params
	}

	return defs, nil
}

// countingScanner appends one trailing column to a definition scan.
type countingScanner struct {
	rows  *sql.Rows
	total *int64
}

func (c countingScanner) Scan(dest ...any) error {
	return c.rows.Scan(append(dest, c.total)...)
}

// UpdateDefinition writes the mutable columns of d and replaces its parameters.
func (db *DB) UpdateDefinition(ctx context.Context, d *models.Definition) error {
	d.UpdatedAt = now()
	storeKind, storeURL := dataStoreColumns(d.DataStore)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := db.rebind(`
			UPDATE api_definitions SET
				name = ?, description = ?, code = ?, language = ?, visibility = ?, secret = ?,
				quota_per_hour = ?, quota_per_day = ?, quota_per_month = ?, requires_auth = ?, allowed_origins = ?,
				pricing_model = ?, unit_price = ?, data_store_kind = ?, data_store_url = ?, updated_at = ?
			WHERE id = ?`)

		res, err := tx.ExecContext(ctx, query,
			d.Name, d.Description, d.Code, d.Language, string(d.Visibility), nullString(d.Secret),
			d.Quota.PerHour, d.Quota.PerDay, d.Quota.PerMonth, d.Quota.RequiresAuth, joinOrigins(d.Quota.AllowedOrigins),
			string(d.Pricing.Model), d.Pricing.UnitPrice, storeKind, storeURL, d.UpdatedAt,
			d.ID,
		)
		if err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "api not found")
		}

		if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM api_parameters WHERE api_id = ?`), d.ID); err != nil {
			return fmt.Errorf("delete parameters: %w", err)
		}
		return db.insertParameters(ctx, tx, d.ID, d.Parameters)
	})
}

// DeleteDefinition removes a definition with its parameters, bindings and
// usage records in one transaction. The definition row goes first so that
// concurrent usage inserts either commit before the dependents are cleared
// or find no definition.
func (db *DB) DeleteDefinition(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM api_definitions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete definition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.NotFound, "api not found")
		}

		for _, stmt := range []string{
			`DELETE FROM api_parameters WHERE api_id = ?`,
			`DELETE FROM usage_records WHERE api_id = ?`,
			`DELETE FROM api_bindings WHERE api_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, db.rebind(stmt), id); err != nil {
				return fmt.Errorf("delete dependents: %w", err)
			}
		}
		return nil
	})
}

func (db *DB) insertParameters(ctx context.Context, tx *sql.Tx, apiID string, params []models.Parameter) error {
	query := db.rebind(`
		INSERT INTO api_parameters (api_id, position, name, type, required, description)
		VALUES (?, ?, ?, ?, ?, ?)`)

	for i, p := range params {
		if _, err := tx.ExecContext(ctx, query, apiID, i, p.Name, p.Type, p.Required, p.Description); err != nil {
			return fmt.Errorf("insert parameter %q: %w", p.Name, err)
		}
	}
	return nil
}

func (db *DB) listParameters(ctx context.Context, apiID string) ([]models.Parameter, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT name, type, required, description
		FROM api_parameters
		WHERE api_id = ?
		ORDER BY position`), apiID)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	params := []models.Parameter{}
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.Name, &p.Type, &p.Required, &p.Description); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func dataStoreColumns(ds *models.DataStore) (string, string) {
	if ds == nil {
		return "", ""
	}
	return ds.Kind, ds.URL
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ",")
}

func splitOrigins(s string) []string {
	if s == "" {
		return []string{"*"}
	}
	return strings.Split(s, ",")
}

// IsNotFound reports whether err is a catalog miss.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.New(apperr.NotFound, ""))
}
