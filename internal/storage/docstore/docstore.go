// Package docstore is a narrow document-database interface (get, set,
// query-by-field, order-by-field) with a Firebase Realtime Database REST
// adapter and an in-memory implementation.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is a decoded JSON object. Numbers are kept as json.Number.
type Document map[string]any

// Snapshot is one document read from a collection.
type Snapshot struct {
	ID     string
	Exists bool
	Data   Document
}

// Decode unmarshals the snapshot data into v.
func (s Snapshot) Decode(v any) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", s.ID, err)
	}
	return decodeJSON(raw, v)
}

// Database hands out named collections.
type Database interface {
	Collection(name string) Collection
}

// Collection is the subset of document-store behaviour the service relies on.
type Collection interface {
	// Get returns the document or a snapshot with Exists=false.
	Get(ctx context.Context, id string) (Snapshot, error)
	// Set writes data under id; an empty id gets a generated key. With merge,
	// fields not present in data are kept.
	Set(ctx context.Context, id string, data Document, merge bool) (string, error)
	// Where returns documents whose field equals value.
	Where(ctx context.Context, field string, value any) ([]Snapshot, error)
	// OrderBy returns all documents sorted by field.
	OrderBy(ctx context.Context, field string, desc bool) ([]Snapshot, error)
}

// ToDocument converts a JSON-tagged struct into a Document.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := decodeJSON(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewKey returns a time-prefixed unique key.
func NewKey() string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// looseEqual compares decoded JSON values by their printed form, so 5 matches json.Number("5").
func looseEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sortSnapshots(snaps []Snapshot, field string, desc bool) {
	sort.SliceStable(snaps, func(i, j int) bool {
		less := compareField(snaps[i].Data[field], snaps[j].Data[field])
		if desc {
			return less > 0
		}
		return less < 0
	})
}

func sortByID(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
}

// compareField orders numbers numerically, everything else by string; missing values sort as 0.
func compareField(a, b any) int {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
