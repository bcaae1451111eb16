package graph

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"sync/atomic"
	"testing"
	"time"
)

// newTestTransport wires a RestClient against a mock Graph server with a fake
// credential so no real network or identity provider is touched.
func newTestTransport(t *testing.T, handler http.HandlerFunc) (*RestClient, *fakeCredential, *httptest.Server, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-rest-test")
	cred := &fakeCredential{lifetime: time.Hour}
	seedAccount(m, "acct", cred, Token{})
	rest := NewRestClient(m, 5*time.Second)
	rest.baseURL = server.URL
	var slept []time.Duration
	rest.sleep = func(d time.Duration) { slept = append(slept, d) }
	return rest, cred, server, &slept
}

func TestDoRetriesOnceAfter401WithRefreshedToken(t *testing.T) {
	var hits int64
	var tokens []string
	rest, cred, _, _ := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.Header.Get("Authorization"))
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	})

	var out struct {
		Value string `json:"value"`
	}
	err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Value != "ok" {
		t.Fatalf("unexpected payload: %+v", out)
	}
	if hits != 2 {
		t.Fatalf("expected 2 requests, got %d", hits)
	}
	if got := atomic.LoadInt64(&cred.calls); got != 2 {
		t.Fatalf("expected a fresh acquisition for the retry, got %d calls", got)
	}
	if len(tokens) == 2 && tokens[0] == tokens[1] {
		t.Fatal("expected the retry to carry a refreshed token")
	}
}

func TestDo401ForwardsClaimsChallenge(t *testing.T) {
	challenge := `{"access_token":{"nbf":{"essential":true,"value":"1700000000"}}}`
	var hits int64
	rest, cred, _, _ := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.Header().Set("WWW-Authenticate",
				`Bearer error="insufficient_claims", claims="`+base64.StdEncoding.EncodeToString([]byte(challenge))+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	var out map[string]any
	if err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.claims(); got != challenge {
		t.Fatalf("expected claims challenge on the retry acquisition, got %q", got)
	}
}

func TestClaimsChallengeParsing(t *testing.T) {
	want := `{"access_token":{"xms_cc":{"values":["cp1"]}}}`
	std := `Bearer claims="` + base64.StdEncoding.EncodeToString([]byte(want)) + `"`
	if got := claimsChallenge(std); got != want {
		t.Fatalf("std encoding: got %q", got)
	}
	raw := `Bearer claims="` + base64.RawURLEncoding.EncodeToString([]byte(want)) + `"`
	if got := claimsChallenge(raw); got != want {
		t.Fatalf("raw url encoding: got %q", got)
	}
	if got := claimsChallenge(`Bearer realm="", error="invalid_token"`); got != "" {
		t.Fatalf("expected empty for header without claims, got %q", got)
	}
}

func TestDoSecond401SurfacesAuthFailure(t *testing.T) {
	var hits int64
	rest, _, _, _ := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, nil)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", hits)
	}
}

func TestDoHonorsRetryAfterOn429(t *testing.T) {
	var hits int64
	rest, _, _, slept := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	var out map[string]any
	if err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] < 2*time.Second {
		t.Fatalf("expected one backoff of >=2s, got %v", *slept)
	}
}

func TestDoBoundsRateLimitRetries(t *testing.T) {
	var hits int64
	rest, _, _, slept := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if hits != rateLimitAttempts {
		t.Fatalf("expected %d attempts, got %d", rateLimitAttempts, hits)
	}
	if len(*slept) != rateLimitAttempts-1 {
		t.Fatalf("expected %d backoffs, got %d", rateLimitAttempts-1, len(*slept))
	}
}

func TestDoServerErrorSurfacesWithoutRetry(t *testing.T) {
	var hits int64
	rest, _, _, _ := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, `{"error":{"code":"internalServerError"}}`, http.StatusInternalServerError)
	})

	err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, nil)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", upstream.StatusCode)
	}
	if hits != 1 {
		t.Fatalf("expected no retry on 5xx, got %d requests", hits)
	}
}

func TestDoMapsClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-rest-test")
	seedAccount(m, "acct", &fakeCredential{lifetime: time.Hour}, Token{})
	rest := NewRestClient(m, 50*time.Millisecond)
	rest.baseURL = server.URL

	err := rest.do(context.Background(), "acct", []string{"s"}, nil, http.MethodGet, "/me/messages", neturl.Values{}, nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if got := retryAfter(resp); got != time.Second {
		t.Fatalf("expected 1s default, got %v", got)
	}
	resp.Header.Set("Retry-After", "5")
	if got := retryAfter(resp); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
	resp.Header.Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
	if got := retryAfter(resp); got <= 0 || got > 3*time.Second {
		t.Fatalf("expected positive delay up to 3s, got %v", got)
	}
}
