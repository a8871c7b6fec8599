// Package export renders stored collections as CSV.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"venuescout/internal/storage"
)

// Source lists every document of a collection.
type Source interface {
	All(ctx context.Context, collection string) ([]storage.Document, error)
}

// Collection writes collection to w as CSV and returns the row count.
func Collection(ctx context.Context, src Source, collection string, w io.Writer) (int, error) {
	docs, err := src.All(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", collection, err)
	}
	if err := WriteCSV(w, docs); err != nil {
		return 0, fmt.Errorf("export %s: %w", collection, err)
	}
	return len(docs), nil
}

// Columns returns "_id" followed by the sorted union of every other key.
func Columns(docs []storage.Document) []string {
	seen := make(map[string]struct{})
	for _, d := range docs {
		for k := range d {
			if k != storage.KeyID {
				seen[k] = struct{}{}
			}
		}
	}
	cols := make([]string, 0, len(seen)+1)
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return append([]string{storage.KeyID}, cols...)
}

// WriteCSV writes one row per document. Missing fields are empty cells;
// nested values are JSON encoded.
func WriteCSV(w io.Writer, docs []storage.Document) error {
	cols := Columns(docs)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, d := range docs {
		for i, c := range cols {
			cell, err := formatCell(d[c])
			if err != nil {
				return fmt.Errorf("column %s: %w", c, err)
			}
			row[i] = cell
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
