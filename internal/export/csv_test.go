package export

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"venuescout/internal/storage"
)

type fakeSource struct {
	docs []storage.Document
	err  error
}

func (f fakeSource) All(context.Context, string) ([]storage.Document, error) {
	return f.docs, f.err
}

func TestWriteCSV(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := []storage.Document{
		{
			"_id":       "a1",
			"name":      "The Fillmore",
			"capacity":  int64(1150),
			"updatedAt": updated,
			"sources":   []any{map[string]any{"label": "Capacity", "source": "https://f.test"}},
		},
		{
			"_id":          "b2",
			"name":         "Alton, \"Food\" Hall",
			"food_offered": true,
			"rating":       4.5,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, docs))
	require.Equal(t, "_id,capacity,food_offered,name,rating,sources,updatedAt\n"+
		"a1,1150,,The Fillmore,,\"[{\"\"label\"\":\"\"Capacity\"\",\"\"source\"\":\"\"https://f.test\"\"}]\",2024-05-01T12:00:00Z\n"+
		"b2,,true,\"Alton, \"\"Food\"\" Hall\",4.5,,\n", buf.String())
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	require.Equal(t, "_id\n", buf.String())
}

func TestCollection(t *testing.T) {
	var buf bytes.Buffer
	n, err := Collection(context.Background(), fakeSource{docs: []storage.Document{{"_id": "x", "name": "n"}}}, "venues_csv", &buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "_id,name\nx,n\n", buf.String())

	_, err = Collection(context.Background(), fakeSource{err: errors.New("down")}, "venues_csv", &buf)
	require.ErrorContains(t, err, "down")
}
