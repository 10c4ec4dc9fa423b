package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRecognizerRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Jane Doe went home.", req.Text)

		json.NewEncoder(w).Encode(map[string]any{
			"entities": []RawEntity{{Name: "Jane Doe", Type: "Person", Offsets: []int{0}}},
		})
	}))
	t.Cleanup(srv.Close)

	rec := NewHTTPRecognizer(srv.URL, "test-key", 100, 5*time.Second)
	entities, err := rec.Recognize(context.Background(), "Jane Doe went home.")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Jane Doe", entities[0].Name)
	assert.Equal(t, "Person", entities[0].Type)
}

func TestHTTPRecognizerRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	rec := NewHTTPRecognizer(srv.URL, "test-key", 100, 5*time.Second)
	_, err := rec.Recognize(context.Background(), "text")
	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.True(t, exErr.RateLimited)
}

func TestHTTPRecognizerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	rec := NewHTTPRecognizer(srv.URL, "test-key", 100, 5*time.Second)
	_, err := rec.Recognize(context.Background(), "text")
	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.False(t, exErr.RateLimited)
}
