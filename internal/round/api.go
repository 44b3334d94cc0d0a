package round

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldops-patrol/internal/apperror"
)

// API is the backend's round surface as seen by the device.
type API interface {
	ListRounds(ctx context.Context) ([]Round, error)
	// ActiveRound returns an empty Snapshot when no round is active.
	ActiveRound(ctx context.Context) (Snapshot, error)
	StartRound(ctx context.Context, roundID int64) (Snapshot, error)
	ResumeRound(ctx context.Context, roundID int64) (Snapshot, error)
	EndRound(ctx context.Context, roundID int64, notes string) (Round, error)
	ContinueLap(ctx context.Context, roundID int64) (Progress, error)
	RegisterCheckpoint(ctx context.Context, reg Registration) (Progress, error)
}

// HTTPClient talks to the /rounds routes with a bearer token.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListRounds(ctx context.Context) ([]Round, error) {
	var out []Round
	err := c.do(ctx, http.MethodGet, "/rounds", nil, &out)
	return out, err
}

func (c *HTTPClient) ActiveRound(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/rounds/active", nil, &out)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, nil
	}
	return out, err
}

func (c *HTTPClient) StartRound(ctx context.Context, roundID int64) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rounds/%d/start", roundID), nil, &out)
	return out, err
}

func (c *HTTPClient) ResumeRound(ctx context.Context, roundID int64) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rounds/%d/resume", roundID), nil, &out)
	return out, err
}

func (c *HTTPClient) EndRound(ctx context.Context, roundID int64, notes string) (Round, error) {
	var out Round
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rounds/%d/end", roundID), EndRequest{Notes: notes}, &out)
	return out, err
}

func (c *HTTPClient) ContinueLap(ctx context.Context, roundID int64) (Progress, error) {
	var out Progress
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/rounds/%d/laps", roundID), nil, &out)
	return out, err
}

func (c *HTTPClient) RegisterCheckpoint(ctx context.Context, reg Registration) (Progress, error) {
	var out Progress
	path := fmt.Sprintf("/rounds/%d/checkpoints/%d/visits", reg.RoundID, reg.CheckpointID)
	err := c.do(ctx, http.MethodPost, path, reg, &out)
	return out, err
}

// ErrNotFound is returned for 404 responses outside ActiveRound.
var ErrNotFound = errors.New("round: not found")

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperror.Wrap(ctx.Err(), apperror.KindTimeout, "request timed out")
		}
		return apperror.Wrap(err, apperror.KindNetworkUnreachable, "server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperror.Wrap(err, apperror.KindServerRejected, "malformed response")
		}
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperror.New(apperror.KindPermissionDenied, msg)
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return apperror.New(apperror.KindConflict, msg)
	case http.StatusTooManyRequests:
		return apperror.RateLimited(msg, retryAfter(resp.Header.Get("Retry-After")))
	default:
		return apperror.New(apperror.KindServerRejected, msg)
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
