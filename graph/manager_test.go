package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/viant/mcp-protocol/authorization"

	oaauth "github.com/fridayops/outlook-mcp/auth"
)

// fakeCredential counts upstream token acquisitions and hands out tokens with
// a configurable lifetime. When fixed is set every call returns that value,
// mimicking an identity cache that keeps serving the same unexpired token.
type fakeCredential struct {
	calls    int64
	lifetime time.Duration
	err      error
	fixed    string
	delay    time.Duration

	mu         sync.Mutex
	lastClaims string
}

func (f *fakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	n := atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	f.lastClaims = opts.Claims
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return azcore.AccessToken{}, ctx.Err()
		}
	}
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	value := f.fixed
	if value == "" {
		value = fmt.Sprintf("token-%d", n)
	}
	return azcore.AccessToken{
		Token:     value,
		ExpiresOn: time.Now().Add(f.lifetime),
	}, nil
}

func (f *fakeCredential) claims() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastClaims
}

func seedAccount(m *Manager, alias string, cred azcore.TokenCredential, token Token) *account {
	acct := &account{cred: cred, token: token}
	m.mu.Lock()
	m.accounts[m.accountKey(context.Background(), alias)] = acct
	m.mu.Unlock()
	return acct
}

func TestTokenNeverInsideRefreshMargin(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour}
	seedAccount(m, "acct", cred, Token{})

	tok, err := m.Token(context.Background(), "acct", []string{"s"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tok.Valid(time.Now()) {
		t.Fatalf("expected token outside refresh margin, expires %v", tok.ExpiresOn)
	}
}

func TestTokenRefreshesStaleToken(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour}
	// Cached token expires within the margin; a silent refresh must run.
	seedAccount(m, "acct", cred, Token{Value: "stale", ExpiresOn: time.Now().Add(2 * time.Minute)})

	tok, err := m.Token(context.Background(), "acct", []string{"s"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value == "stale" {
		t.Fatal("expected refreshed token, got the stale one")
	}
	if got := atomic.LoadInt64(&cred.calls); got != 1 {
		t.Fatalf("expected 1 upstream acquisition, got %d", got)
	}
}

func TestTokenRejectsShortLivedUpstreamToken(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Minute}
	seedAccount(m, "acct", cred, Token{})

	if _, err := m.Token(context.Background(), "acct", []string{"s"}, nil); err == nil {
		t.Fatal("expected error for a token already inside the margin")
	}
}

func TestConcurrentTokenCallsSingleRefresh(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour}
	seedAccount(m, "acct", cred, Token{Value: "expired", ExpiresOn: time.Now().Add(-time.Minute)})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(context.Background(), "acct", []string{"s"}, nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt64(&cred.calls); got != 1 {
		t.Fatalf("expected exactly 1 upstream refresh, got %d", got)
	}
}

func TestSilentRefreshFailureSurfacesReauth(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{err: fmt.Errorf("AADSTS70000: refresh token revoked")}
	seedAccount(m, "acct", cred, Token{})

	_, err := m.Token(context.Background(), "acct", []string{"s"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestInvalidateForcesReacquisition(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour}
	seedAccount(m, "acct", cred, Token{})

	ctx := context.Background()
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Invalidate(ctx, "acct", "")
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt64(&cred.calls); got != 2 {
		t.Fatalf("expected 2 upstream acquisitions, got %d", got)
	}
}

func TestReissuedRejectedTokenSurfacesReauth(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour, fixed: "sticky-token"}
	seedAccount(m, "acct", cred, Token{})

	ctx := context.Background()
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Invalidate(ctx, "acct", "")
	_, err := m.Token(ctx, "acct", []string{"s"}, nil)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired when the same token is reissued, got %v", err)
	}
}

func TestInvalidateClaimsFlowToReacquisition(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	cred := &fakeCredential{lifetime: time.Hour}
	seedAccount(m, "acct", cred, Token{})

	ctx := context.Background()
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Invalidate(ctx, "acct", `{"access_token":{"nbf":{"essential":true}}}`)
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.claims(); got != `{"access_token":{"nbf":{"essential":true}}}` {
		t.Fatalf("expected claims challenge on reacquisition, got %q", got)
	}
	// A later routine refresh must not replay the challenge.
	m.Invalidate(ctx, "acct", "")
	if _, err := m.Token(ctx, "acct", []string{"s"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.claims(); got != "" {
		t.Fatalf("expected claims cleared after use, got %q", got)
	}
}

func TestTokenAcquisitionTimesOut(t *testing.T) {
	m := NewManager("client", "secret", "tenant", "mem://localhost/outlook-test")
	m.acquireTimeout = 20 * time.Millisecond
	cred := &fakeCredential{lifetime: time.Hour, delay: 500 * time.Millisecond}
	seedAccount(m, "acct", cred, Token{})

	_, err := m.Token(context.Background(), "acct", []string{"s"}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTokenWithoutAuthRecordRequiresSignIn(t *testing.T) {
	// Device-code flow, no persisted record, no prompt sink: the in-request
	// path must fail fast instead of entering the interactive flow.
	m := NewManager("client", "", "tenant", "mem://localhost/outlook-nosignin-test")
	_, err := m.Token(context.Background(), "work", []string{"s"}, nil)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestAuthRecordScopedToCallerNamespace(t *testing.T) {
	m := NewManager("client", "", "tenant", "mem://localhost/outlook-ns-test")
	claims := jwt.MapClaims{"email": "user@example.com"}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	authed := context.WithValue(context.Background(), authorization.TokenKey, bearer)
	background := oaauth.WithNamespace(context.Background(), "user@example.com")

	if got, want := m.accountKey(background, "work"), m.accountKey(authed, "work"); got != want {
		t.Fatalf("background flow resolves %q, authenticated caller %q", got, want)
	}

	// A record persisted by the namespace-pinned background flow must be
	// visible to later calls from the authenticated caller.
	rec := azidentity.AuthenticationRecord{HomeAccountID: "home", Username: "user@example.com"}
	ns, _ := m.auth.Namespace(background)
	m.saveAuthRecord(background, ns, "work", rec)
	if !m.HasAuthRecord(authed, "work") {
		t.Fatal("expected authenticated caller to see the persisted auth record")
	}
}

func TestDevicePromptScopedByNamespace(t *testing.T) {
	m := NewManager("client", "", "tenant", "")
	m.pendingMu.Lock()
	m.pending["alice|work"] = &pendingAuth{message: "enter code ABCD"}
	m.pendingMu.Unlock()

	if got := m.DevicePrompt("alice", "work"); got != "enter code ABCD" {
		t.Fatalf("unexpected prompt: %q", got)
	}
	if got := m.DevicePrompt("bob", "work"); got != "" {
		t.Fatalf("expected no prompt for another namespace, got %q", got)
	}
}

func TestClientKeyNormalization(t *testing.T) {
	m := NewManager("client", "", "tenant", "")
	ctx := context.Background()
	k1 := m.clientKey(ctx, "aliasA", []string{"Scope2", "scope1"})
	k2 := m.clientKey(ctx, "aliasA", []string{"scope1", "scope2"})
	if k1 != k2 {
		t.Fatalf("expected normalized keys to be equal, got %q vs %q", k1, k2)
	}
}

func TestClientReturnsCachedInstance(t *testing.T) {
	m := NewManager("client", "", "tenant", "")
	ctx := context.Background()
	scopes := []string{"s1", "s2"}
	want := &msgraphsdk.GraphServiceClient{}
	m.mu.Lock()
	m.clients[m.clientKey(ctx, "acct", scopes)] = want
	m.mu.Unlock()

	got, err := m.Client(ctx, "acct", []string{"s2", "s1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatal("expected cached client to be returned")
	}
}

func TestAuthRecordRoundTrip(t *testing.T) {
	m := NewManager("client", "", "tenant", "mem://localhost/outlook-record-test")
	ctx := context.Background()

	if m.HasAuthRecord(ctx, "acct") {
		t.Fatal("expected no auth record before save")
	}
	rec := azidentity.AuthenticationRecord{HomeAccountID: "home", Username: "user@example.com", TenantID: "tenant", Version: "1.0"}
	m.saveAuthRecord(ctx, "default", "acct", rec)
	if !m.HasAuthRecord(ctx, "acct") {
		t.Fatal("expected auth record after save")
	}
	loaded, ok := m.loadAuthRecord(ctx, "default", "acct")
	if !ok {
		t.Fatal("expected to load persisted auth record")
	}
	if loaded.Username != rec.Username || loaded.HomeAccountID != rec.HomeAccountID {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}
