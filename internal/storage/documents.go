package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is one stored subject: its researched fields plus the reserved
// keys "_id", "name", "createdAt" and "updatedAt".
type Document map[string]any

// Reserved document keys.
const (
	KeyID        = "_id"
	KeyName      = "name"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// Name returns the document's name.
func (d Document) Name() string {
	name, _ := d[KeyName].(string)
	return name
}

// FindOptions pages through a collection. Limit <= 0 returns everything.
type FindOptions struct {
	Limit  int
	Offset int
}

// Upsert writes set into the document called name, creating it when needed.
// Keys in set replace stored values; nil values are skipped so a missing
// fact never erases a known one. onInsert fields are written only when the
// document is created. updatedAt always moves forward.
func (s *Store) Upsert(ctx context.Context, collection, name string, set, onInsert map[string]any) error {
	name = strings.TrimSpace(name)
	if collection == "" || name == "" {
		return errors.New("upsert: collection and name are required")
	}
	fields := cleanFields(set)
	created := cleanFields(onInsert)
	for k, v := range fields {
		created[k] = v
	}
	created[KeyName] = name

	setJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: encode fields: %w", collection, name, err)
	}
	insertJSON, err := json.Marshal(created)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: encode document: %w", collection, name, err)
	}
	now := s.now().UTC()
	query := s.dialect.rebind(`
        INSERT INTO documents (collection, name, id, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (collection, name) DO UPDATE SET
            body = ` + s.dialect.merge + `,
            updated_at = ?`)
	err = s.withSchemaRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			collection, name, uuid.NewString(), string(insertJSON), now, now,
			string(setJSON), now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, name, err)
	}
	return nil
}

// Get returns one document or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, name string) (Document, error) {
	query := s.dialect.rebind(`
        SELECT id, body, created_at, updated_at FROM documents
        WHERE collection = ? AND name = ?`)
	var doc Document
	err := s.withSchemaRetry(ctx, func() error {
		var err error
		doc, err = scanDocument(s.db.QueryRowContext(ctx, query, collection, strings.TrimSpace(name)))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, name, err)
	}
	return doc, nil
}

// Find lists a collection, most recently updated first.
func (s *Store) Find(ctx context.Context, collection string, opts FindOptions) ([]Document, error) {
	query := `
        SELECT id, body, created_at, updated_at FROM documents
        WHERE collection = ?
        ORDER BY updated_at DESC, name ASC`
	args := []any{collection}
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, offset)
	}
	query = s.dialect.rebind(query)

	var docs []Document
	err := s.withSchemaRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		docs = docs[:0]
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return docs, nil
}

// All returns every document in a collection.
func (s *Store) All(ctx context.Context, collection string) ([]Document, error) {
	return s.Find(ctx, collection, FindOptions{})
}

// Count returns the number of documents in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	query := s.dialect.rebind(`SELECT COUNT(*) FROM documents WHERE collection = ?`)
	var n int64
	err := s.withSchemaRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, collection).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		id       string
		body     []byte
		created  time.Time
		modified time.Time
	)
	if err := row.Scan(&id, &body, &created, &modified); err != nil {
		return nil, err
	}
	doc := Document{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	for k, v := range doc {
		doc[k] = normaliseNumbers(v)
	}
	doc[KeyID] = id
	doc[KeyCreatedAt] = created.UTC()
	doc[KeyUpdatedAt] = modified.UTC()
	return doc, nil
}

func cleanFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v == nil || k == KeyID || k == KeyCreatedAt || k == KeyUpdatedAt {
			continue
		}
		out[k] = v
	}
	return out
}

func normaliseNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, inner := range t {
			t[k] = normaliseNumbers(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normaliseNumbers(inner)
		}
		return t
	default:
		return v
	}
}
