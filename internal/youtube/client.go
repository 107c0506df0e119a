// Package youtube reads video view counts from the YouTube Data API v3.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// Client calls the videos endpoint with an API key.
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithHTTPClient replaces the resty client.
func WithHTTPClient(h *resty.Client) Option { return func(c *Client) { c.http = h } }

// New creates a client authenticated by apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		http:    resty.New().SetTimeout(20 * time.Second),
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type videosResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			ViewCount *string `json:"viewCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// ViewCount returns the public view count of a video. An unknown video is
// reported as a 404 so it classifies as permanent.
func (c *Client) ViewCount(ctx context.Context, videoID string) (int64, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"part": "statistics",
			"id":   videoID,
			"key":  c.apiKey,
		}).
		Get(c.baseURL + "/videos")
	if err != nil {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID, err)
	}
	if res.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID, &metric.HTTPError{
			StatusCode: res.StatusCode(),
			URL:        c.baseURL + "/videos",
			RetryAfter: metric.ParseRetryAfter(res.Header().Get("Retry-After"), time.Now()),
		})
	}

	var vr videosResponse
	if err := json.Unmarshal(res.Body(), &vr); err != nil {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID, &metric.MalformedResponseError{Err: err})
	}
	if len(vr.Items) == 0 {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID,
			&metric.HTTPError{StatusCode: http.StatusNotFound, URL: c.baseURL + "/videos"})
	}
	raw := vr.Items[0].Statistics.ViewCount
	if raw == nil {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID,
			&metric.MalformedResponseError{Err: fmt.Errorf("statistics.viewCount missing")})
	}
	n, err := strconv.ParseInt(*raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("youtube: video %s: %w", videoID,
			&metric.MalformedResponseError{Err: fmt.Errorf("viewCount %q", *raw)})
	}
	return n, nil
}
