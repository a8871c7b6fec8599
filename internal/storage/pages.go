package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PageRecord is a page scraped while researching a subject.
type PageRecord struct {
	Collection  string    `json:"collection"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Text        string    `json:"text"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// SavePage archives a scraped page, replacing an earlier copy of the same URL.
func (s *Store) SavePage(ctx context.Context, page PageRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if page.Collection == "" || page.Name == "" || page.URL == "" {
		return errors.New("save page: collection, name and url are required")
	}
	if page.RetrievedAt.IsZero() {
		page.RetrievedAt = s.now()
	}
	query := s.dialect.rebind(`
        INSERT INTO pages (collection, name, url, text, retrieved_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (collection, name, url) DO UPDATE SET
            text = excluded.text,
            retrieved_at = excluded.retrieved_at`)
	err := s.withSchemaRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			page.Collection, page.Name, page.URL, page.Text, page.RetrievedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("save page %s: %w", page.URL, err)
	}
	return nil
}

// Pages returns the archived pages for one subject, oldest first.
func (s *Store) Pages(ctx context.Context, collection, name string) ([]PageRecord, error) {
	query := s.dialect.rebind(`
        SELECT url, text, retrieved_at FROM pages
        WHERE collection = ? AND name = ?
        ORDER BY retrieved_at ASC, url ASC`)
	var out []PageRecord
	err := s.withSchemaRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, collection, name)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			rec := PageRecord{Collection: collection, Name: name}
			if err := rows.Scan(&rec.URL, &rec.Text, &rec.RetrievedAt); err != nil {
				return err
			}
			rec.RetrievedAt = rec.RetrievedAt.UTC()
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list pages %s/%s: %w", collection, name, err)
	}
	return out, nil
}
