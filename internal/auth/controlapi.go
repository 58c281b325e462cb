// ABOUTME: Verifies node tokens against the control API over HTTP.
// ABOUTME: Each attempt is bounded by a timeout; transient failures retry with exponential backoff.

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrControlAPIUnavailable is returned when the control API cannot be reached.
var ErrControlAPIUnavailable = errors.New("control API unavailable")

const verifyPath = "/v1/nodes/verify"

// ControlAPIVerifier asks the control API whether a token is valid.
type ControlAPIVerifier struct {
	baseURL  string
	key      string
	timeout  time.Duration
	maxTries uint
	client   *http.Client
	logger   *slog.Logger
}

// ControlAPIParams configures a ControlAPIVerifier.
type ControlAPIParams struct {
	URL      string
	Key      string
	Timeout  time.Duration
	MaxTries uint
	Client   *http.Client
	Logger   *slog.Logger
}

// NewControlAPIVerifier creates a verifier for the control API at p.URL.
func NewControlAPIVerifier(p ControlAPIParams) *ControlAPIVerifier {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.MaxTries == 0 {
		p.MaxTries = 3
	}
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &ControlAPIVerifier{
		baseURL:  strings.TrimRight(p.URL, "/"),
		key:      p.Key,
		timeout:  p.Timeout,
		maxTries: p.MaxTries,
		client:   p.Client,
		logger:   p.Logger.With("component", "control-api"),
	}
}

type verifyRequest struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// VerifyNode returns nil when the control API reports the token valid.
func (v *ControlAPIVerifier) VerifyNode(ctx context.Context, nodeID, token string) error {
	body, err := json.Marshal(verifyRequest{NodeID: nodeID, Token: token})
	if err != nil {
		return fmt.Errorf("encoding verify request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	valid, err := backoff.Retry(ctx, func() (bool, error) {
		return v.attempt(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(v.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			v.logger.Warn("control API verify failed, retrying", "node_id", nodeID, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrControlAPIUnavailable, err)
	}
	if !valid {
		return ErrInvalidToken
	}
	return nil
}

func (v *ControlAPIVerifier) attempt(ctx context.Context, body []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return false, backoff.Permanent(fmt.Errorf("building verify request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if v.key != "" {
		req.Header.Set("Authorization", "Bearer "+v.key)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, backoff.Permanent(fmt.Errorf("%w: control API rejected gateway key (%d)", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("control API returned %d", resp.StatusCode)
	default:
		return false, backoff.Permanent(fmt.Errorf("control API returned %d", resp.StatusCode))
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, backoff.Permanent(fmt.Errorf("decoding verify response: %w", err))
	}
	return out.Valid, nil
}
