package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity/cache"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/viant/afs"

	oaauth "github.com/fridayops/outlook-mcp/auth"
)

// refreshMargin is how long before expiry a cached token is considered stale.
// A stale token triggers a silent refresh so callers never hold a token that
// expires mid-request.
const refreshMargin = 5 * time.Minute

// defaultAcquireTimeout bounds silent token acquisition so a tool call never
// hangs on the identity provider.
const defaultAcquireTimeout = 30 * time.Second

// Token is a validated access token handed to the REST transport.
type Token struct {
	Value     string
	ExpiresOn time.Time
	Scopes    []string
}

// Valid reports whether the token is still outside the refresh margin.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && t.ExpiresOn.Sub(now) > refreshMargin
}

// Manager owns Azure AD credentials and token lifecycle per account alias.
// When a client secret is configured it runs the client-credentials flow;
// otherwise it falls back to the delegated device-code flow with a persistent
// azidentity cache plus an auth record stored under secretsBase.
type Manager struct {
	clientID     string
	clientSecret string
	tenantID     string
	secretsBase  string
	fs           afs.Service
	auth         *oaauth.Service

	now            func() time.Time
	acquireTimeout time.Duration

	mu       sync.RWMutex
	accounts map[string]*account
	clients  map[string]*msgraphsdk.GraphServiceClient
	// pending holds device-code prompts keyed by account alias.
	pendingMu sync.RWMutex
	pending   map[string]*pendingAuth
}

// account serializes token refresh per alias: the mutex is held across the
// upstream acquisition so concurrent callers wait for the in-flight refresh
// instead of issuing duplicates.
type account struct {
	mu    sync.Mutex
	cred  azcore.TokenCredential
	token Token
	// claims holds the decoded claims challenge from the last 401; passing it
	// on the next acquisition makes azidentity bypass its internal cache.
	claims string
	// rejected is the bearer value the upstream last refused.
	rejected string
}

type pendingAuth struct{ message string }

func NewManager(clientID, clientSecret, tenantID, secretsBase string) *Manager {
	if tenantID == "" {
		tenantID = "common"
	}
	return &Manager{
		clientID:       clientID,
		clientSecret:   clientSecret,
		tenantID:       tenantID,
		secretsBase:    strings.TrimRight(secretsBase, "/"),
		fs:             afs.New(),
		auth:           oaauth.New(),
		now:            time.Now,
		acquireTimeout: defaultAcquireTimeout,
		accounts:       map[string]*account{},
		clients:        map[string]*msgraphsdk.GraphServiceClient{},
		pending:        map[string]*pendingAuth{},
	}
}

// DefaultScopes returns the scopes matching the configured flow: the Graph
// resource default for client credentials, delegated mail/calendar/task scopes
// for device-code sign-in.
func (m *Manager) DefaultScopes() []string {
	if m.clientSecret != "" {
		return []string{"https://graph.microsoft.com/.default"}
	}
	return []string{
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/Mail.ReadWrite",
		"https://graph.microsoft.com/Mail.Send",
		"https://graph.microsoft.com/Calendars.ReadWrite",
		"https://graph.microsoft.com/Tasks.ReadWrite",
		"https://graph.microsoft.com/User.Read",
	}
}

// Token returns a valid access token for alias, acquiring or silently
// refreshing when the cached one is missing or inside the refresh margin.
// Failures to refresh silently surface ErrReauthRequired.
func (m *Manager) Token(ctx context.Context, alias string, scopes []string, prompt func(string)) (Token, error) {
	acct, err := m.account(ctx, alias, scopes, prompt)
	if err != nil {
		return Token{}, err
	}
	// Fast path: token still fresh.
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.token.Valid(m.now()) {
		return acct.token, nil
	}
	opts := policy.TokenRequestOptions{Scopes: scopes, Claims: acct.claims}
	tctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	raw, err := acct.cred.GetToken(tctx, opts)
	if err != nil {
		timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
		cancel()
		if timedOut {
			return Token{}, fmt.Errorf("token acquisition: %w", ErrTimeout)
		}
		return Token{}, fmt.Errorf("silent token refresh failed: %w: %v", ErrReauthRequired, err)
	}
	cancel()
	acct.claims = ""
	if acct.rejected != "" && raw.Token == acct.rejected {
		// The identity provider served the invalidated token back from its
		// cache; retrying with it would just repeat the 401.
		return Token{}, fmt.Errorf("identity provider reissued a rejected token: %w", ErrReauthRequired)
	}
	acct.rejected = ""
	acct.token = Token{Value: raw.Token, ExpiresOn: raw.ExpiresOn, Scopes: scopes}
	if !acct.token.Valid(m.now()) {
		// Upstream handed out a token already inside the margin; treat as stale.
		acct.token = Token{}
		return Token{}, fmt.Errorf("upstream returned expiring token: %w", ErrReauthRequired)
	}
	return acct.token, nil
}

// Invalidate drops the cached token for alias so the next Token call performs
// a fresh acquisition. Used by the 401-retry path; claims carries the decoded
// claims challenge from the response, when the upstream sent one.
func (m *Manager) Invalidate(ctx context.Context, alias, claims string) {
	key := m.accountKey(ctx, alias)
	m.mu.RLock()
	acct := m.accounts[key]
	m.mu.RUnlock()
	if acct == nil {
		return
	}
	acct.mu.Lock()
	acct.rejected = acct.token.Value
	acct.token = Token{}
	acct.claims = claims
	acct.mu.Unlock()
}

// account returns the cached account state for alias, building its credential
// on first use.
func (m *Manager) account(ctx context.Context, alias string, scopes []string, prompt func(string)) (*account, error) {
	key := m.accountKey(ctx, alias)
	m.mu.RLock()
	acct := m.accounts[key]
	m.mu.RUnlock()
	if acct != nil {
		return acct, nil
	}
	cred, err := m.acquireCredential(ctx, alias, scopes, prompt)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.accounts[key]; existing != nil {
		return existing, nil
	}
	acct = &account{cred: cred}
	m.accounts[key] = acct
	return acct, nil
}

func (m *Manager) accountKey(ctx context.Context, alias string) string {
	ns, _ := m.auth.Namespace(ctx)
	if ns == "" {
		ns = "default"
	}
	if alias == "" {
		alias = "default"
	}
	return ns + "|" + alias
}

// acquireCredential builds the azcore credential for alias. Client secret
// configured: confidential client-credentials flow. Otherwise device-code flow
// with silent login from a persisted auth record when one exists.
func (m *Manager) acquireCredential(ctx context.Context, alias string, scopes []string, prompt func(string)) (azcore.TokenCredential, error) {
	if m.clientID == "" {
		return nil, errors.New("clientID is required")
	}
	if m.clientSecret != "" {
		return azidentity.NewClientSecretCredential(m.tenantID, m.clientID, m.clientSecret, nil)
	}
	return m.deviceCredential(ctx, alias, scopes, prompt)
}

func (m *Manager) deviceCredential(ctx context.Context, alias string, scopes []string, prompt func(string)) (azcore.TokenCredential, error) {
	ns, _ := m.auth.Namespace(ctx)
	if ns == "" {
		ns = "default"
	}
	if alias == "" {
		alias = "default"
	}
	rec, haveRec := m.loadAuthRecord(ctx, ns, alias)
	if !haveRec && prompt == nil {
		// Only the background device-login flow may go interactive; a tool
		// call must fail fast instead of blocking on the device code.
		return nil, fmt.Errorf("interactive sign-in required for %s: %w", alias, ErrReauthRequired)
	}
	pCache, err := cache.New(&cache.Options{Name: "outlook-mcp-" + safePart(ns) + "-" + safePart(alias)})
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	userPrompt := func(_ context.Context, msg azidentity.DeviceCodeMessage) error {
		if prompt != nil {
			prompt(msg.Message)
		}
		return nil
	}
	opts := &azidentity.DeviceCodeCredentialOptions{
		TenantID:   m.tenantID,
		ClientID:   m.clientID,
		Cache:      pCache,
		UserPrompt: userPrompt,
	}
	if haveRec {
		opts.AuthenticationRecord = rec
	}
	cred, err := azidentity.NewDeviceCodeCredential(opts)
	if err != nil {
		return nil, err
	}
	if haveRec {
		// Quick silent preflight; fall back to interactive device login when
		// the persisted record no longer yields a token.
		tctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_, preErr := cred.GetToken(tctx, policy.TokenRequestOptions{Scopes: scopes})
		cancel()
		if preErr == nil {
			return cred, nil
		}
	}
	if prompt == nil {
		return nil, fmt.Errorf("interactive sign-in required for %s: %w", alias, ErrReauthRequired)
	}
	rec, err = cred.Authenticate(ctx, &policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return nil, fmt.Errorf("device login: %w: %v", ErrReauthRequired, err)
	}
	m.saveAuthRecord(ctx, ns, alias, rec)
	return cred, nil
}

// NeedsInteractive checks quickly (non-interactive) whether a device sign-in
// would be required for alias. Always false for the client-credentials flow.
func (m *Manager) NeedsInteractive(ctx context.Context, alias string, scopes []string) bool {
	if m.clientSecret != "" {
		return false
	}
	ns, _ := m.auth.Namespace(ctx)
	if ns == "" {
		ns = "default"
	}
	if alias == "" {
		alias = "default"
	}
	rec, haveRec := m.loadAuthRecord(ctx, ns, alias)
	if !haveRec {
		return true
	}
	pCache, err := cache.New(&cache.Options{Name: "outlook-mcp-" + safePart(ns) + "-" + safePart(alias)})
	if err != nil {
		return true
	}
	cred, err := azidentity.NewDeviceCodeCredential(&azidentity.DeviceCodeCredentialOptions{
		TenantID:             m.tenantID,
		ClientID:             m.clientID,
		Cache:                pCache,
		AuthenticationRecord: rec,
		UserPrompt:           func(context.Context, azidentity.DeviceCodeMessage) error { return nil },
	})
	if err != nil {
		return true
	}
	tctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = cred.GetToken(tctx, policy.TokenRequestOptions{Scopes: scopes})
	return err != nil
}

// StartDeviceLogin launches the device-code flow in the background and keeps
// the prompt message retrievable via DevicePrompt while the flow is pending.
// The namespace is passed explicitly because the flow outlives the request
// that started it: the browser hitting the sign-in page carries no bearer
// token, so the credential, cache and auth record must be pinned to the
// namespace of the caller that was told to sign in.
func (m *Manager) StartDeviceLogin(ctx context.Context, namespace, alias string, scopes []string, onComplete func()) {
	if namespace == "" {
		namespace = "default"
	}
	if alias == "" {
		alias = "default"
	}
	key := namespace + "|" + alias
	m.pendingMu.Lock()
	if _, ok := m.pending[key]; ok {
		m.pendingMu.Unlock()
		return
	}
	holder := &pendingAuth{}
	m.pending[key] = holder
	m.pendingMu.Unlock()
	ctx = oaauth.WithNamespace(ctx, namespace)
	go func() {
		prompt := func(msg string) {
			m.pendingMu.Lock()
			holder.message = msg
			m.pendingMu.Unlock()
		}
		if _, err := m.Token(ctx, alias, scopes, prompt); err == nil && onComplete != nil {
			onComplete()
		}
		m.pendingMu.Lock()
		delete(m.pending, key)
		m.pendingMu.Unlock()
	}()
}

// DevicePrompt returns the last device-code prompt message for the pending
// sign-in of namespace+alias, empty when none is pending or no prompt
// arrived yet.
func (m *Manager) DevicePrompt(namespace, alias string) string {
	if namespace == "" {
		namespace = "default"
	}
	if alias == "" {
		alias = "default"
	}
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	if p, ok := m.pending[namespace+"|"+alias]; ok {
		return p.message
	}
	return ""
}

// HasAuthRecord reports whether a persisted auth record exists for alias.
func (m *Manager) HasAuthRecord(ctx context.Context, alias string) bool {
	ns, _ := m.auth.Namespace(ctx)
	if ns == "" {
		ns = "default"
	}
	if alias == "" {
		alias = "default"
	}
	ok, _ := m.fs.Exists(ctx, m.authRecordURL(ns, alias))
	return ok
}

func (m *Manager) authRecordURL(ns, alias string) string {
	base := m.secretsBase
	if base == "" {
		base = "mem://localhost/outlook-mcp"
	}
	return strings.Join([]string{base, "outlook", safePart(ns), safePart(alias), "auth_record.json"}, "/")
}

func (m *Manager) loadAuthRecord(ctx context.Context, ns, alias string) (azidentity.AuthenticationRecord, bool) {
	var rec azidentity.AuthenticationRecord
	rc, err := m.fs.OpenURL(ctx, m.authRecordURL(ns, alias))
	if err != nil {
		return rec, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil || len(data) == 0 {
		return rec, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false
	}
	return rec, true
}

func (m *Manager) saveAuthRecord(ctx context.Context, ns, alias string, rec azidentity.AuthenticationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	url := m.authRecordURL(ns, alias)
	if err := m.fs.Upload(ctx, url, 0o600, bytes.NewReader(data)); err != nil {
		log.Printf("[outlook] failed to persist auth record for %s: %v", alias, err)
		return
	}
	if debugEnabled() {
		log.Printf("[outlook] saved auth record; ns=%s alias=%s url=%s", ns, alias, url)
	}
}

// Client returns a GraphServiceClient for alias, cached per alias+scopes.
// Used by the SDK write paths (create event, create task).
func (m *Manager) Client(ctx context.Context, alias string, scopes []string, prompt func(string)) (*msgraphsdk.GraphServiceClient, error) {
	key := m.clientKey(ctx, alias, scopes)
	m.mu.RLock()
	if cli, ok := m.clients[key]; ok {
		m.mu.RUnlock()
		return cli, nil
	}
	m.mu.RUnlock()
	acct, err := m.account(ctx, alias, scopes, prompt)
	if err != nil {
		return nil, err
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(acct.cred, scopes)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[key]; ok {
		return existing, nil
	}
	m.clients[key] = client
	return client, nil
}

// clientKey builds a stable cache key from the caller namespace, alias, and
// normalized scopes.
func (m *Manager) clientKey(ctx context.Context, alias string, scopes []string) string {
	norm := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		norm = append(norm, strings.ToLower(s))
	}
	sort.Strings(norm)
	return m.accountKey(ctx, alias) + "|" + strings.Join(norm, ",")
}

func safePart(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "|", "_", " ", "_", "@", "_")
	return repl.Replace(s)
}

func debugEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OUTLOOK_MCP_DEBUG")))
	return v != "" && v != "0" && v != "false"
}
