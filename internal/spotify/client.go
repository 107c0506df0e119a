// Package spotify is a minimal Spotify Web API client: client-credentials
// tokens and artist follower counts.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

const (
	defaultAPIURL   = "https://api.spotify.com/v1"
	defaultTokenURL = "https://accounts.spotify.com/api/token"

	// tokens are refreshed this long before they expire.
	expiryMargin = 30 * time.Second
)

// Client calls the Spotify Web API.
type Client struct {
	http         *resty.Client
	apiURL       string
	tokenURL     string
	clientID     string
	clientSecret string
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs points the client at other API and token endpoints.
func WithBaseURLs(apiURL, tokenURL string) Option {
	return func(c *Client) {
		c.apiURL = apiURL
		c.tokenURL = tokenURL
	}
}

// WithHTTPClient replaces the resty client.
func WithHTTPClient(h *resty.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the given application credentials.
func New(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		http:         resty.New().SetTimeout(20 * time.Second),
		apiURL:       defaultAPIURL,
		tokenURL:     defaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a cached access token, requesting a new one when the cached
// token is missing or about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	var tr tokenResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		Post(c.tokenURL)
	if err != nil {
		return "", fmt.Errorf("spotify: token: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("spotify: token: %w", c.statusError(res))
	}
	if err := json.Unmarshal(res.Body(), &tr); err != nil {
		return "", fmt.Errorf("spotify: token: %w", &metric.MalformedResponseError{Err: err})
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("spotify: token: %w", &metric.MalformedResponseError{Err: fmt.Errorf("empty access_token")})
	}

	c.token = tr.AccessToken
	c.expires = c.now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryMargin)
	c.logger.Debug("spotify: token refreshed", "expires_in", tr.ExpiresIn)
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type artistResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Followers *struct {
		Total *int64 `json:"total"`
	} `json:"followers"`
}

// ArtistFollowers returns the follower count of an artist.
func (c *Client) ArtistFollowers(ctx context.Context, artistID string) (int64, error) {
	var ar artistResponse
	if err := c.get(ctx, "/artists/"+artistID, &ar); err != nil {
		return 0, fmt.Errorf("spotify: artist %s: %w", artistID, err)
	}
	if ar.Followers == nil || ar.Followers.Total == nil {
		return 0, fmt.Errorf("spotify: artist %s: %w", artistID,
			&metric.MalformedResponseError{Err: fmt.Errorf("followers.total missing")})
	}
	return *ar.Followers.Total, nil
}

// get issues an authenticated GET, retrying once with a fresh token on 401.
func (c *Client) get(ctx context.Context, path string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		res, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			Get(c.apiURL + path)
		if err != nil {
			return err
		}
		switch res.StatusCode() {
		case http.StatusOK:
			if err := json.Unmarshal(res.Body(), out); err != nil {
				return &metric.MalformedResponseError{Err: err}
			}
			return nil
		case http.StatusUnauthorized:
			c.invalidate()
			continue
		}
		return c.statusError(res)
	}
	return &metric.HTTPError{StatusCode: http.StatusUnauthorized, URL: c.apiURL + path}
}

func (c *Client) statusError(res *resty.Response) error {
	return &metric.HTTPError{
		StatusCode: res.StatusCode(),
		URL:        res.Request.URL,
		RetryAfter: metric.ParseRetryAfter(res.Header().Get("Retry-After"), c.now()),
	}
}
