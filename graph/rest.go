package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// rateLimitAttempts bounds how many times a throttled request is re-issued.
const rateLimitAttempts = 3

// errorBodyLimit caps how much of an upstream error body is kept.
const errorBodyLimit = 4 << 10

// RestClient issues authenticated Graph REST calls. Each call sends exactly
// one outbound request, with two exceptions mandated by policy: a single
// retry with a refreshed token after 401, and bounded Retry-After backoff
// after 429.
type RestClient struct {
	manager *Manager
	baseURL string
	client  *http.Client
	// sleep is a hook so tests can observe backoff without waiting.
	sleep func(time.Duration)
}

func NewRestClient(m *Manager, timeout time.Duration) *RestClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RestClient{
		manager: m,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: timeout},
		sleep:   time.Sleep,
	}
}

// do performs one Graph call and decodes a JSON response into out (skipped
// when out is nil or the response has no body).
func (c *RestClient) do(ctx context.Context, alias string, scopes []string, prompt func(string), method, path string, query neturl.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	url := c.baseURL + path
	if enc := query.Encode(); enc != "" {
		url += "?" + enc
	}

	retried401 := false
	for attempt := 1; ; attempt++ {
		tok, err := c.manager.Token(ctx, alias, scopes, prompt)
		if err != nil {
			return err
		}
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.Value)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if isTimeout(ctx, err) {
				return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
			}
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			challenge := claimsChallenge(resp.Header.Get("WWW-Authenticate"))
			drain(resp)
			if retried401 {
				return fmt.Errorf("%s %s: token rejected twice: %w", method, path, ErrReauthRequired)
			}
			retried401 = true
			c.manager.Invalidate(ctx, alias, challenge)
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := retryAfter(resp)
			drain(resp)
			if attempt >= rateLimitAttempts {
				return fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
			}
			c.sleep(delay)
			continue
		case resp.StatusCode >= 300:
			detail := readErrorBody(resp)
			resp.Body.Close()
			return &UpstreamError{StatusCode: resp.StatusCode, Body: detail}
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			drain(resp)
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
		return nil
	}
}

var claimsPattern = regexp.MustCompile(`claims="([^"]+)"`)

// claimsChallenge extracts and decodes the continuous-access-evaluation
// claims challenge from a 401's WWW-Authenticate header. Passing the decoded
// claims on the reacquisition makes azidentity skip its token cache, so the
// retry carries a genuinely refreshed bearer instead of the rejected one.
func claimsChallenge(header string) string {
	match := claimsPattern.FindStringSubmatch(header)
	if len(match) != 2 {
		return ""
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if data, err := enc.DecodeString(match[1]); err == nil {
			return string(data)
		}
	}
	return ""
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP-date, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return strings.TrimSpace(string(data))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
}
