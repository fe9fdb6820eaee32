package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

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

// HTTPDocuments talks to the meterbook cloud document API.
type HTTPDocuments struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPDocuments(baseURL, token string, httpClient *http.Client) *HTTPDocuments {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPDocuments{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type documentBody struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

type documentList struct {
	Documents []Document `json:"documents"`
}

func documentPath(userID, docID string) string {
	return fmt.Sprintf("/v1/users/%s/data/%s", url.PathEscape(userID), url.PathEscape(docID))
}

func (c *HTTPDocuments) GetDocument(ctx context.Context, userID, docID string) (map[string]json.RawMessage, bool, error) {
	var out Document
	err := c.doJSON(ctx, http.MethodGet, documentPath(userID, docID), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if out.Fields == nil {
		out.Fields = map[string]json.RawMessage{}
	}
	return out.Fields, true, nil
}

func (c *HTTPDocuments) SetDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPut, documentPath(userID, docID), documentBody{Fields: nonNilFields(fields)}, nil)
}

func (c *HTTPDocuments) MergeDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPatch, documentPath(userID, docID), documentBody{Fields: nonNilFields(fields)}, nil)
}

func (c *HTTPDocuments) DeleteField(ctx context.Context, userID, docID, field string) error {
	return c.doJSON(ctx, http.MethodDelete, documentPath(userID, docID)+"/fields/"+url.PathEscape(field), nil, nil)
}

func (c *HTTPDocuments) DeleteDocument(ctx context.Context, userID, docID string) error {
	return c.doJSON(ctx, http.MethodDelete, documentPath(userID, docID), nil, nil)
}

func (c *HTTPDocuments) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	var out documentList
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/data", url.PathEscape(userID)), nil, &out); err != nil {
		return nil, err
	}
	if out.Documents == nil {
		out.Documents = []Document{}
	}
	return out.Documents, nil
}

func (c *HTTPDocuments) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPDocuments) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
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
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func nonNilFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if fields == nil {
		return map[string]json.RawMessage{}
	}
	return fields
}

func correlationID() string {
	return "meterbook_" + uuid.NewString()
}

func (c *HTTPDocuments) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
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
