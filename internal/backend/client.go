// Package backend is the REST client for the notification API. Fetches are
// retried with bounded backoff; mutations are issued exactly once so a
// failure can be reported to the caller without the store ever diverging
// from server truth.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hireloop/notisync/internal/credential"
	"github.com/hireloop/notisync/internal/notify"
)

// HTTPError carries the status and error envelope of a failed call.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the notification endpoints of the marketplace backend.
type Client struct {
	baseURL    string
	creds      credential.Provider
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
}

func NewClient(baseURL string, creds credential.Provider, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		pageSize:   50,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type listPayload struct {
	Notifications []json.RawMessage `json:"notifications"`
	Pagination    struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"pagination"`
}

// FetchAll pages through the full notification list for the session and
// returns it in server order with wire field names already unified.
func (c *Client) FetchAll(ctx context.Context) ([]notify.Notification, error) {
	var out []notify.Notification
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(c.pageSize))
		var payload listPayload
		if err := c.doJSON(ctx, http.MethodGet, "/api/notifications?"+q.Encode(), nil, &payload, true); err != nil {
			return nil, err
		}
		for _, raw := range payload.Notifications {
			n, err := notify.DecodeWire(raw)
			if err != nil || n.ID == "" {
				continue
			}
			out = append(out, n)
		}
		if payload.Pagination.TotalPages <= page {
			break
		}
	}
	return out, nil
}

// FetchUnreadCount returns the server's authoritative unread counter.
func (c *Client) FetchUnreadCount(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/notifications/unread-count", nil, &payload, true); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// MarkRead marks a single notification read on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("notification id is required")
	}
	return c.doJSON(ctx, http.MethodPatch, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil, false)
}

// MarkAllRead marks every notification of the session read on the server.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil, false)
}

// Delete removes a single notification on the server.
func (c *Client) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("notification id is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil, nil, false)
}

// ClearAll removes every notification of the session on the server.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/notifications", nil, nil, false)
}

// doJSON issues one request and decodes the success envelope. Idempotent
// reads retry 429/5xx and transport errors with capped backoff; mutations
// never retry, so a timeout is a failure the caller handles.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any, retry bool) error {
	token := ""
	if c.creds != nil {
		if creds, err := c.creds.Credentials(); err == nil {
			token = creds.Token
		}
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return decodeEnvelope(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var env envelope
		_ = json.Unmarshal(payloadBytes, &env)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
		}
	}
}

func decodeEnvelope(payload []byte, out any) error {
	if len(payload) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errors.Wrap(err, "decoding response envelope")
	}
	if !env.Success {
		return &HTTPError{
			StatusCode: http.StatusOK,
			Code:       env.Code,
			Message:    env.Message,
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
