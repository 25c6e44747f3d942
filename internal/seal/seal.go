// Package seal consumes the evidence-sealing collaborator. The hash and
// signature are produced remotely; the sync engine only needs the
// result so it can stamp the job immutable.
package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Result is the outcome of sealing a finished job.
type Result struct {
	EvidenceHash string `json:"evidence_hash"`
	Signature    string `json:"signature"`
	SealedAt     int64  `json:"sealed_at"`
}

// Sealer finalizes a job cryptographically. A successful seal makes the
// job immutable to deletes and the orphan sweep.
type Sealer interface {
	Seal(ctx context.Context, jobID string) (Result, error)
}

// HTTPSealer calls the hosted sealing function.
type HTTPSealer struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPSealer creates a sealer against the given backend. If
// httpClient is nil, http.DefaultClient is used.
func NewHTTPSealer(httpClient *http.Client, baseURL, apiKey string) *HTTPSealer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPSealer{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// Seal requests a seal for the given job.
func (s *HTTPSealer) Seal(ctx context.Context, jobID string) (Result, error) {
	payload, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return Result{}, fmt.Errorf("marshalling seal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/functions/v1/seal-job", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("creating seal request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading seal response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("seal request failed (%d): %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("decoding seal response: %w", err)
	}

	return result, nil
}
