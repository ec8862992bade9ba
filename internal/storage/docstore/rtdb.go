package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RTDBOptions parameterise the Realtime Database REST adapter.
type RTDBOptions struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// RTDB talks to a Firebase Realtime Database over its REST API.
type RTDB struct {
	baseURL string
	auth    string
	client  *http.Client
}

// NewRTDB constructs the adapter.
func NewRTDB(opts RTDBOptions) *RTDB {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RTDB{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		auth:    opts.AuthToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// Collection returns a handle on the named top-level node.
func (r *RTDB) Collection(name string) Collection {
	return &rtdbCollection{db: r, name: name}
}

type rtdbCollection struct {
	db   *RTDB
	name string
}

func (c *rtdbCollection) docURL(id string) string {
	return c.db.endpoint(url.PathEscape(c.name) + "/" + url.PathEscape(id))
}

func (c *rtdbCollection) Get(ctx context.Context, id string) (Snapshot, error) {
	var doc Document
	found, err := c.db.do(ctx, http.MethodGet, c.docURL(id), nil, &doc)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rtdb get %s/%s: %w", c.name, id, err)
	}
	if !found || doc == nil {
		return Snapshot{ID: id}, nil
	}
	return Snapshot{ID: id, Exists: true, Data: doc}, nil
}

func (c *rtdbCollection) Set(ctx context.Context, id string, data Document, merge bool) (string, error) {
	if id == "" {
		id = NewKey()
	}
	method := http.MethodPut
	if merge {
		method = http.MethodPatch
	}
	if _, err := c.db.do(ctx, method, c.docURL(id), data, nil); err != nil {
		return "", fmt.Errorf("rtdb set %s/%s: %w", c.name, id, err)
	}
	return id, nil
}

func (c *rtdbCollection) Where(ctx context.Context, field string, value any) ([]Snapshot, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0)
	for _, snap := range all {
		if v, ok := snap.Data[field]; ok && looseEqual(v, value) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (c *rtdbCollection) OrderBy(ctx context.Context, field string, desc bool) ([]Snapshot, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	sortSnapshots(all, field, desc)
	return all, nil
}

func (c *rtdbCollection) list(ctx context.Context) ([]Snapshot, error) {
	var node map[string]Document
	found, err := c.db.do(ctx, http.MethodGet, c.db.endpoint(url.PathEscape(c.name)), nil, &node)
	if err != nil {
		return nil, fmt.Errorf("rtdb list %s: %w", c.name, err)
	}
	if !found {
		return nil, nil
	}
	snaps := make([]Snapshot, 0, len(node))
	for id, doc := range node {
		if doc == nil {
			continue
		}
		snaps = append(snaps, Snapshot{ID: id, Exists: true, Data: doc})
	}
	// keys are time-prefixed, so key order is a stable default
	sortByID(snaps)
	return snaps, nil
}

func (r *RTDB) endpoint(path string) string {
	u := r.baseURL + "/" + path + ".json"
	if r.auth != "" {
		u += "?auth=" + url.QueryEscape(r.auth)
	}
	return u
}

// do performs one REST call. found is false for a JSON null body.
func (r *RTDB) do(ctx context.Context, method, endpoint string, body any, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("rtdb status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := decodeJSON(trimmed, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

var _ Database = (*RTDB)(nil)
