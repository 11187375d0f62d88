// Package salesforce reads Salesforce records over the REST API using the
// JWT bearer flow.
package salesforce

import (
	"context"
	"net/http"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the subset of the Salesforce API the contact source needs.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	Describe(ctx context.Context, object string) (*Schema, error)
}

// Credentials are the JWT bearer-flow settings for a connected app.
type Credentials struct {
	LoginURL string
	Username string
	ClientID string
	KeyPath  string
}

// Option configures a Client.
type Option func(*restClient)

// WithRateLimit caps API calls per second. Burst is the whole part of rps,
// at least 1. A non-positive rps leaves calls unthrottled.
func WithRateLimit(rps float64) Option {
	return func(c *restClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// restClient sits on go-salesforce, which takes no context; ctx only
// bounds the limiter wait.
type restClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an initialized go-salesforce session.
func NewClient(sf *salesforce.Salesforce, opts ...Option) Client {
	c := &restClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial reads the connected app's private key, authenticates and returns a
// Client.
func Dial(creds Credentials, opts ...Option) (Client, error) {
	if creds.ClientID == "" {
		return nil, eris.New("sf: client id is required")
	}
	pem, err := os.ReadFile(creds.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "sf: read JWT private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         creds.LoginURL,
		Username:       creds.Username,
		ConsumerKey:    creds.ClientID,
		ConsumerRSAPem: string(pem),
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: authenticate")
	}
	return NewClient(sf, opts...), nil
}

func (c *restClient) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "sf: rate limit")
}

func (c *restClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	return eris.Wrap(c.sf.Query(soql, out), "sf: query")
}

func (c *restClient) Describe(ctx context.Context, object string) (*Schema, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sf.DoRequest(http.MethodGet, "/sobjects/"+object+"/describe", nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: describe %s", object)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("sf: describe %s: status %d", object, resp.StatusCode)
	}
	return decodeSchema(resp.Body)
}
