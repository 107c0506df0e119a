package spotify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JeanSilva08/data-flow-pipeline/metric"
)

type fakeAPI struct {
	tokens    atomic.Int32
	rejectOne atomic.Bool
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "cid" || secret != "csecret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := f.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok` + string(rune('0'+n)) + `","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/artists/", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectOne.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/artists/ok":
			w.Write([]byte(`{"id":"ok","name":"Band","followers":{"href":null,"total":1500}}`))
		case "/v1/artists/zero":
			w.Write([]byte(`{"id":"zero","followers":{"total":0}}`))
		case "/v1/artists/nofollowers":
			w.Write([]byte(`{"id":"nofollowers"}`))
		case "/v1/artists/garbage":
			w.Write([]byte(`{not json`))
		case "/v1/artists/limited":
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, f *fakeAPI) *Client {
	srv := f.server(t)
	return New("cid", "csecret", WithBaseURLs(srv.URL+"/v1", srv.URL+"/token"))
}

func TestArtistFollowers(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(t, f)
	ctx := context.Background()

	n, err := c.ArtistFollowers(ctx, "ok")
	if err != nil {
		t.Fatalf("ArtistFollowers: %v", err)
	}
	if n != 1500 {
		t.Errorf("followers = %d, want 1500", n)
	}

	n, err = c.ArtistFollowers(ctx, "zero")
	if err != nil || n != 0 {
		t.Errorf("zero followers = %d, %v", n, err)
	}

	if f.tokens.Load() != 1 {
		t.Errorf("token requests = %d, want 1 (cached)", f.tokens.Load())
	}
}

func TestArtistFollowers_Failures(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})
	ctx := context.Background()

	cases := []struct {
		id   string
		want metric.Class
	}{
		{"missing", metric.Permanent},
		{"nofollowers", metric.Permanent},
		{"garbage", metric.Permanent},
		{"limited", metric.Transient},
	}
	for _, tc := range cases {
		_, err := c.ArtistFollowers(ctx, tc.id)
		if err == nil {
			t.Errorf("%s: expected error", tc.id)
			continue
		}
		if got := metric.Classify(err); got != tc.want {
			t.Errorf("%s: class = %s, want %s (%v)", tc.id, got, tc.want, err)
		}
	}

	_, err := c.ArtistFollowers(ctx, "limited")
	if got := metric.RetryAfter(err); got != 5*time.Second {
		t.Errorf("RetryAfter = %s, want 5s", got)
	}
}

func TestTokenRefreshOn401(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(t, f)
	f.rejectOne.Store(true)

	n, err := c.ArtistFollowers(context.Background(), "ok")
	if err != nil {
		t.Fatalf("ArtistFollowers: %v", err)
	}
	if n != 1500 {
		t.Errorf("followers = %d", n)
	}
	if f.tokens.Load() != 2 {
		t.Errorf("token requests = %d, want 2", f.tokens.Load())
	}
}

func TestTokenExpiry(t *testing.T) {
	f := &fakeAPI{}
	srv := f.server(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New("cid", "csecret",
		WithBaseURLs(srv.URL+"/v1", srv.URL+"/token"),
		WithClock(func() time.Time { return now }))

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	now = now.Add(59 * time.Minute)
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.tokens.Load() != 2 {
		t.Errorf("token requests = %d, want 2 after expiry margin", f.tokens.Load())
	}
}

func TestTokenBadCredentials(t *testing.T) {
	f := &fakeAPI{}
	srv := f.server(t)
	c := New("wrong", "creds", WithBaseURLs(srv.URL+"/v1", srv.URL+"/token"))

	_, err := c.Token(context.Background())
	var httpErr *metric.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %v, want 401 HTTPError", err)
	}
}
