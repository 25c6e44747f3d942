package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Select ---

func TestSelect_ScopesToWorkspace(t *testing.T) {
	var gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/jobs", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		gotQuery = r.URL.RawQuery

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"job-a"},{"id":"job-b"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	rows, err := c.Select(context.Background(), "jobs", SelectQuery{WorkspaceID: "ws"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "workspace_id=eq.ws", gotQuery, "full listing has no cursor filter")
}

func TestSelect_IncrementalCursorFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.ws", r.URL.Query().Get("workspace_id"))
		assert.Equal(t, "gt.1700000000000", r.URL.Query().Get("last_updated"))

		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	_, err := c.Select(context.Background(), "jobs", SelectQuery{
		WorkspaceID:  "ws",
		UpdatedAfter: 1700000000000,
	})
	require.NoError(t, err)
}

// --- Errors ---

func TestDo_NonOKBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"JWT expired"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	_, err := c.Select(context.Background(), "jobs", SelectQuery{WorkspaceID: "ws"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "JWT expired", apiErr.Message)
}

func TestErrorMessage_FieldFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"boom"}`, "boom"},
		{"msg field", `{"msg":"boom"}`, "boom"},
		{"error field", `{"error":"boom"}`, "boom"},
		{"hint field", `{"hint":"boom"}`, "boom"},
		{"raw body fallback", `total garbage`, "total garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage([]byte(tt.body)))
		})
	}
}

func TestDo_TransportErrorIsNotAPIError(t *testing.T) {
	c := NewClient(nil, "http://127.0.0.1:1", "test-key")

	_, err := c.Select(context.Background(), "jobs", SelectQuery{WorkspaceID: "ws"})
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "connection failures must stay raw for the classifier")
}

// --- Writes ---

func TestUpsert_SendsMergePreference(t *testing.T) {
	var gotPrefer string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		gotPrefer = r.Header.Get("Prefer")
		gotBody, _ = io.ReadAll(r.Body)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	rows := []json.RawMessage{json.RawMessage(`{"id":"job-a"}`)}
	require.NoError(t, c.Upsert(context.Background(), "jobs", rows))

	assert.Equal(t, "resolution=merge-duplicates", gotPrefer)
	assert.JSONEq(t, `[{"id":"job-a"}]`, string(gotBody))
}

func TestUpdate_BuildsFilterQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.job-a", r.URL.Query().Get("id"))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	err := c.Update(context.Background(), "jobs", Filters{"id": "job-a"}, map[string]string{"title": "new"})
	require.NoError(t, err)
}

func TestDelete_BuildsFilterQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "eq.job-a", r.URL.Query().Get("id"))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	require.NoError(t, c.Delete(context.Background(), "jobs", Filters{"id": "job-a"}))
}

// --- Media upload ---

func TestUploadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/object/media/ws/media-1", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("jpeg bytes"), body)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	url, err := c.UploadMedia(context.Background(), "ws", "media-1", []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/storage/v1/object/media/ws/media-1", url)
}

func TestUploadMedia_RejectionBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"row-level security"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "test-key")

	_, err := c.UploadMedia(context.Background(), "ws", "media-1", []byte("x"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}
