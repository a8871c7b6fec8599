package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect holds the SQL that differs between Postgres and SQLite.
type dialect struct {
	name     string
	jsonType string
	timeType string
	// merge is the expression that folds the JSON object in the given
	// placeholder into documents.body, replacing top-level keys.
	merge string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres":
		return dialect{
			name:     "postgres",
			jsonType: "JSONB",
			timeType: "TIMESTAMPTZ",
			merge:    "documents.body || CAST(? AS JSONB)",
		}, nil
	case "sqlite":
		return dialect{
			name:     "sqlite",
			jsonType: "TEXT",
			timeType: "TIMESTAMP",
			merge:    "json_patch(documents.body, ?)",
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// rebind rewrites ? placeholders into the driver's style.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
		    collection TEXT NOT NULL,
		    name TEXT NOT NULL,
		    id TEXT NOT NULL,
		    body %s NOT NULL,
		    created_at %s NOT NULL,
		    updated_at %s NOT NULL,
		    PRIMARY KEY (collection, name)
		)`, d.jsonType, d.timeType, d.timeType),
		`CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents (collection, updated_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pages (
		    collection TEXT NOT NULL,
		    name TEXT NOT NULL,
		    url TEXT NOT NULL,
		    text TEXT NOT NULL,
		    retrieved_at %s NOT NULL,
		    PRIMARY KEY (collection, name, url)
		)`, d.timeType),
	}
}
