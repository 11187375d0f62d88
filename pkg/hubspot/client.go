// Package hubspot provides a rate-limited client for the HubSpot CRM v3
// contacts API.
package hubspot

import (
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

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("hubspot: object not found")

// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
var ErrMalformedResponse = errors.New("hubspot: malformed response")

// APIError is a non-2xx response other than 404.
type APIError struct {
	StatusCode int
	RetryAfter string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hubspot: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Object is one CRM object with its requested properties.
type Object struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Archived   bool           `json:"archived"`
}

// ListRequest selects one page of contacts.
type ListRequest struct {
	Properties []string
	Limit      int
	After      string
}

// ListResponse is one page of contacts. Next is empty on the last page.
type ListResponse struct {
	Results []Object
	Next    string
}

type listBody struct {
	Results []Object `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// Client defines the HubSpot contact operations.
type Client interface {
	// ListContacts returns one page of the contact listing.
	ListContacts(ctx context.Context, req ListRequest) (*ListResponse, error)
	// GetContact reads one contact. Missing contacts yield ErrNotFound.
	GetContact(ctx context.Context, id string, properties []string) (*Object, error)
}

// Option configures the HubSpot client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second. HubSpot private apps allow
// roughly ten per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a HubSpot client authenticated with a private-app token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://api.hubapi.com",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ListContacts(ctx context.Context, req ListRequest) (*ListResponse, error) {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.After != "" {
		q.Set("after", req.After)
	}
	if len(req.Properties) > 0 {
		q.Set("properties", strings.Join(req.Properties, ","))
	}

	var body listBody
	if err := c.get(ctx, "/crm/v3/objects/contacts?"+q.Encode(), &body); err != nil {
		return nil, eris.Wrapf(err, "hubspot: list contacts after %q", req.After)
	}
	resp := &ListResponse{Results: body.Results}
	if body.Paging != nil && body.Paging.Next != nil {
		resp.Next = body.Paging.Next.After
	}
	return resp, nil
}

func (c *httpClient) GetContact(ctx context.Context, id string, properties []string) (*Object, error) {
	q := url.Values{}
	if len(properties) > 0 {
		q.Set("properties", strings.Join(properties, ","))
	}
	var obj Object
	if err := c.get(ctx, "/crm/v3/objects/contacts/"+url.PathEscape(id)+"?"+q.Encode(), &obj); err != nil {
		return nil, eris.Wrapf(err, "hubspot: get contact %s", id)
	}
	return &obj, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
			Body:       truncate(string(data), 512),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
