// Package extract submits item text to an external entity-recognition
// capability and reconciles the results against the entity catalog.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RawEntity is one recognized entity in submitted text. Offsets are byte
// positions of occurrences and may be absent.
type RawEntity struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Offsets []int  `json:"offsets,omitempty"`
}

// Recognizer is the external entity-recognition capability. Given plain
// text it returns the typed entities found in it. The wire protocol behind an
// implementation is the external system's contract.
type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]RawEntity, error)
}

// ExtractionError is a failure of the external capability. RateLimited marks
// responses that asked us to slow down.
type ExtractionError struct {
	Err         error
	RateLimited bool
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("entity extraction: %v", e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// HTTPRecognizer calls an entity-recognition HTTP API authenticated by an API
// key. Requests are rate limited client-side so bursts of new items do not
// trip the provider's quota.
type HTTPRecognizer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPRecognizer builds a recognizer for the given endpoint. requestsPerSec
// bounds the client-side request rate; zero or negative means 1 rps.
func NewHTTPRecognizer(baseURL, apiKey string, requestsPerSec float64, timeout time.Duration) *HTTPRecognizer {
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRecognizer{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

type recognizeRequest struct {
	Text string `json:"text"`
}

type recognizeResponse struct {
	Entities []RawEntity `json:"entities"`
}

// Recognize submits text and returns the entities found in it.
func (r *HTTPRecognizer) Recognize(ctx context.Context, text string) ([]RawEntity, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &ExtractionError{Err: err}
	}

	body, err := json.Marshal(recognizeRequest{Text: text})
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ExtractionError{
			Err:         fmt.Errorf("status %s", resp.Status),
			RateLimited: true,
		}
	}
	if resp.StatusCode >= 300 {
		return nil, &ExtractionError{Err: fmt.Errorf("status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	var parsed recognizeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ExtractionError{Err: err}
	}
	return parsed.Entities, nil
}
