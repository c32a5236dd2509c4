package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Upload kinds.
const (
	KindResume     = "resume"
	KindProfile    = "profile"
	KindEvaluation = "evaluation"
)

// ErrNotFound is returned when no catalog row matches.
var ErrNotFound = errors.New("catalog: upload not found")

// Upload is one row of the uploads table.
type Upload struct {
	ID          uuid.UUID
	Kind        string
	ObjectKey   string
	OrigName    string
	ContentType string
	SizeBytes   int64
	SHA256Hex   string
	StorageMode string
	CreatedAt   time.Time
}

// Catalog records uploads in Postgres.
type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Record inserts u, replacing any previous row for the same object key.
// A zero ID or CreatedAt is filled in.
func (c *Catalog) Record(ctx context.Context, u Upload) (Upload, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO uploads (id, kind, object_key, orig_name, content_type, size_bytes, sha256_hex, storage_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (object_key) DO UPDATE SET
			id = EXCLUDED.id,
			kind = EXCLUDED.kind,
			orig_name = EXCLUDED.orig_name,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			sha256_hex = EXCLUDED.sha256_hex,
			storage_mode = EXCLUDED.storage_mode,
			created_at = EXCLUDED.created_at
	`, u.ID, u.Kind, u.ObjectKey, u.OrigName, u.ContentType, u.SizeBytes, u.SHA256Hex, u.StorageMode, u.CreatedAt)
	if err != nil {
		return Upload{}, fmt.Errorf("catalog: record %s: %w", u.ObjectKey, err)
	}
	return u, nil
}

// Get returns the row for an object key.
func (c *Catalog) Get(ctx context.Context, objectKey string) (Upload, error) {
	row := c.db.QueryRowContext(ctx, selectUploads+` WHERE object_key = $1`, objectKey)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, fmt.Errorf("catalog: get %s: %w", objectKey, err)
	}
	return u, nil
}

// DeleteByKey removes the row for an object key. Missing rows are not an
// error.
func (c *Catalog) DeleteByKey(ctx context.Context, objectKey string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM uploads WHERE object_key = $1`, objectKey); err != nil {
		return fmt.Errorf("catalog: delete %s: %w", objectKey, err)
	}
	return nil
}

// List returns uploads of one kind, newest first. An empty kind lists
// everything.
func (c *Catalog) List(ctx context.Context, kind string) ([]Upload, error) {
	query := selectUploads
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, object_key`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

const selectUploads = `
	SELECT id, kind, object_key, orig_name, content_type, size_bytes, sha256_hex, storage_mode, created_at
	FROM uploads`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (Upload, error) {
	var u Upload
	err := s.Scan(&u.ID, &u.Kind, &u.ObjectKey, &u.OrigName, &u.ContentType, &u.SizeBytes, &u.SHA256Hex, &u.StorageMode, &u.CreatedAt)
	return u, err
}
