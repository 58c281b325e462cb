// ABOUTME: Tests for the control API token verifier
// ABOUTME: Uses httptest servers to cover acceptance, rejection, retries and timeouts

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControlAPI(t *testing.T, handler http.HandlerFunc) *ControlAPIVerifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewControlAPIVerifier(ControlAPIParams{URL: srv.URL + "/", Key: "gw-key", Timeout: 200 * time.Millisecond})
}

func TestControlAPIVerifier_Valid(t *testing.T) {
	v := newControlAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, verifyPath, r.URL.Path)
		assert.Equal(t, "Bearer gw-key", r.Header.Get("Authorization"))

		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: req.NodeID == "A" && req.Token == "good"})
	})

	assert.NoError(t, v.VerifyNode(context.Background(), "A", "good"))
	assert.ErrorIs(t, v.VerifyNode(context.Background(), "A", "bad"), ErrInvalidToken)
}

func TestControlAPIVerifier_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	v := newControlAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: true})
	})

	assert.NoError(t, v.VerifyNode(context.Background(), "A", "good"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestControlAPIVerifier_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	v := newControlAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := v.VerifyNode(context.Background(), "A", "good")
	assert.ErrorIs(t, err, ErrControlAPIUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestControlAPIVerifier_RejectedKeyIsPermanent(t *testing.T) {
	var calls atomic.Int32
	v := newControlAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := v.VerifyNode(context.Background(), "A", "good")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestControlAPIVerifier_Timeout(t *testing.T) {
	release := make(chan struct{})
	v := newControlAPI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	start := time.Now()
	err := v.VerifyNode(context.Background(), "A", "good")
	assert.ErrorIs(t, err, ErrControlAPIUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}
