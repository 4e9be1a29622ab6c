package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx answer from the upstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// HTTPClient is an EventSource backed by the events REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient returns a client for baseURL. timeout bounds every request.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FetchUpcomingEvents(ctx context.Context, windowHours int) ([]RawEvent, error) {
	var body struct {
		Events []RawEvent `json:"events"`
	}
	q := url.Values{"window_hours": []string{strconv.Itoa(windowHours)}}
	if err := c.getJSON(ctx, "/events", q, &body); err != nil {
		return nil, fmt.Errorf("fetch upcoming events: %w", err)
	}
	return body.Events, nil
}

func (c *HTTPClient) FetchEventDetails(ctx context.Context, id string) (RawEvent, error) {
	var ev RawEvent
	if err := c.getJSON(ctx, "/events/"+url.PathEscape(id), nil, &ev); err != nil {
		return RawEvent{}, fmt.Errorf("fetch event %s: %w", id, err)
	}
	return ev, nil
}

func (c *HTTPClient) FetchAttendees(ctx context.Context, id string) ([]RawAttendee, error) {
	var body struct {
		Attendees []RawAttendee `json:"attendees"`
	}
	if err := c.getJSON(ctx, "/events/"+url.PathEscape(id)+"/attendees", nil, &body); err != nil {
		return nil, fmt.Errorf("fetch attendees %s: %w", id, err)
	}
	return body.Attendees, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
