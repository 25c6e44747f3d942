// Package remote talks to the hosted relational backend through its
// generic table-oriented REST API. The sync engines consume the Store
// and Uploader interfaces; the HTTP client here is one implementation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// SelectQuery bounds a table read. An UpdatedAfter of zero means a full
// listing of the workspace; a non-zero value asks only for rows whose
// last_updated is strictly greater (an incremental pull).
type SelectQuery struct {
	WorkspaceID  string
	UpdatedAfter int64
}

// Filters narrows update/delete operations to matching rows. Every
// operation is additionally scoped by workspace_id.
type Filters map[string]any

// Store is the remote table API the sync engines depend on. Upserts are
// idempotent by primary key, which is what lets at-least-once delivery
// stand in for exactly-once.
type Store interface {
	Select(ctx context.Context, table string, q SelectQuery) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, row any) error
	Update(ctx context.Context, table string, filters Filters, patch any) error
	Upsert(ctx context.Context, table string, rows any) error
	Delete(ctx context.Context, table string, filters Filters) error
}

// Uploader delivers media binaries to remote blob storage, returning
// the durable URL.
type Uploader interface {
	UploadMedia(ctx context.Context, workspaceID, mediaID string, data []byte) (string, error)
}

// APIError is an error response from the remote store. The classifier
// inspects both the status code and the message text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error (%d): %s", e.Status, e.Message)
}

// Client implements Store and Uploader over the backend's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a remote client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// do sends one request and decodes the response body into result when
// result is non-nil. Transport errors are returned as-is so the
// classifier can recognize them as network failures; backend rejections
// come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if method == http.MethodPost {
		// Ask the backend to resolve duplicate keys by merging, making
		// inserts and upserts safe to replay.
		req.Header.Set("Prefer", "resolution=merge-duplicates")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(respBody),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

// errorMessage extracts a human-readable message from an error body.
// The backend is not consistent about the field name, so try the usual
// candidates before falling back to the raw body.
func errorMessage(body []byte) string {
	for _, field := range []string{"message", "msg", "error", "hint"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.Str != "" {
			return v.Str
		}
	}

	return string(body)
}

// Select reads rows from a table, scoped to the workspace and bounded
// by the query's cursor.
func (c *Client) Select(ctx context.Context, table string, q SelectQuery) ([]json.RawMessage, error) {
	query := url.Values{}
	query.Set("workspace_id", "eq."+q.WorkspaceID)

	if q.UpdatedAfter > 0 {
		query.Set("last_updated", "gt."+strconv.FormatInt(q.UpdatedAfter, 10))
	}

	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/rest/v1/"+table, query, nil, &rows); err != nil {
		return nil, err
	}

	return rows, nil
}

// Insert adds a row to a table.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	return c.do(ctx, http.MethodPost, "/rest/v1/"+table, nil, row, nil)
}

// Update patches rows matching the filters.
func (c *Client) Update(ctx context.Context, table string, filters Filters, patch any) error {
	return c.do(ctx, http.MethodPatch, "/rest/v1/"+table, filterQuery(filters), patch, nil)
}

// Upsert inserts rows, merging on primary-key conflicts. Applying the
// same upsert twice leaves the remote state identical to applying it
// once.
func (c *Client) Upsert(ctx context.Context, table string, rows any) error {
	return c.do(ctx, http.MethodPost, "/rest/v1/"+table, nil, rows, nil)
}

// Delete removes rows matching the filters.
func (c *Client) Delete(ctx context.Context, table string, filters Filters) error {
	return c.do(ctx, http.MethodDelete, "/rest/v1/"+table, filterQuery(filters), nil, nil)
}

func filterQuery(filters Filters) url.Values {
	query := url.Values{}
	for k, v := range filters {
		query.Set(k, fmt.Sprintf("eq.%v", v))
	}

	return query
}

// UploadMedia sends a media binary to remote blob storage and returns
// the durable URL the row should reference.
func (c *Client) UploadMedia(ctx context.Context, workspaceID, mediaID string, data []byte) (string, error) {
	path := "/storage/v1/object/media/" + workspaceID + "/" + mediaID

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(respBody),
		}
	}

	return c.baseURL + path, nil
}
