package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viant/scy"
	"github.com/viant/scy/cred"

	oaauth "github.com/fridayops/outlook-mcp/auth"
	"github.com/fridayops/outlook-mcp/graph"
)

// Service wires the credential manager, the Graph tool services, and the
// device sign-in HTTP surface.
type Service struct {
	graphMgr *graph.Manager
	mail     *graph.MailService
	calendar *graph.CalendarService
	tasks    *graph.TaskService

	auth     *oaauth.Service
	pending  *PendingAuths
	baseURL  string
	useText  bool
	tenantID string
	clientID string
}

func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	clientID, clientSecret, tenantID := cfg.ClientID, cfg.ClientSecret, cfg.TenantID
	// Optionally resolve the Azure OAuth2 client from a scy EncodedResource.
	// A reference that fails to load is a startup error, not something to
	// discover one tool call at a time.
	if cfg.AzureRef != "" {
		res := cfg.AzureRef.Decode(context.Background(), cred.Azure{})
		sec, err := scy.New().Load(context.Background(), res)
		if err != nil {
			return nil, fmt.Errorf("failed to load azure credential %v: %w", cfg.AzureRef, err)
		}
		az, ok := sec.Target.(*cred.Azure)
		if !ok {
			return nil, fmt.Errorf("invalid azure credential secret type %T", sec.Target)
		}
		if az.ClientID != "" {
			clientID = az.ClientID
		}
		if az.TenantID != "" && (tenantID == "" || tenantID == "common") {
			tenantID = az.TenantID
		}
	}
	mgr := graph.NewManager(clientID, clientSecret, tenantID, cfg.SecretsBase)
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	rest := graph.NewRestClient(mgr, timeout)
	return &Service{
		graphMgr: mgr,
		mail:     graph.NewMailService(mgr, rest),
		calendar: graph.NewCalendarService(mgr, rest),
		tasks:    graph.NewTaskService(mgr, rest),
		auth:     oaauth.New(),
		pending:  NewPendingAuths(),
		baseURL:  cfg.CallbackBaseURL,
		useText:  !cfg.UseData,
		tenantID: tenantID,
		clientID: clientID,
	}, nil
}

func (s *Service) GraphManager() *graph.Manager { return s.graphMgr }
func (s *Service) UseTextField() bool           { return s.useText }
func (s *Service) BaseURL() string              { return s.baseURL }
func (s *Service) Pending() *PendingAuths       { return s.pending }
func (s *Service) TenantID() string             { return s.tenantID }

// RegisterHTTP registers the device sign-in HTTP surface on mux. The same
// handlers are also exposed through the MCP server's custom handler hooks.
func (s *Service) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/outlook/auth/start", s.DeviceStartHandler())
	mux.HandleFunc("/outlook/auth/device/", s.DeviceHandler())
	mux.HandleFunc("/outlook/auth/pending", s.PendingListHandler())
	mux.HandleFunc("/outlook/auth/pending/clear", s.PendingClearHandler())
}

// DeviceStartHandler launches a background device login for an alias and
// redirects the browser to the pending sign-in page. The namespace arrives in
// the query (the elicitation URL embeds the eliciting caller's namespace —
// the browser visit itself carries no bearer token); absent that, it falls
// back to whatever the request context resolves.
func (s *Service) DeviceStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alias := r.URL.Query().Get("alias")
		if alias == "" {
			alias = "default"
		}
		ns := r.URL.Query().Get("ns")
		if ns == "" {
			ns, _ = s.auth.Namespace(r.Context())
		}
		if ns == "" {
			ns = "default"
		}
		id := uuid.New().String()
		s.pending.Put(&PendingAuth{UUID: id, Alias: alias, Namespace: ns})
		// Keep the flow alive beyond this request, pinned to the caller's
		// namespace so the auth record lands where tool calls will look.
		s.graphMgr.StartDeviceLogin(context.Background(), ns, alias, s.graphMgr.DefaultScopes(), func() {
			s.pending.Complete(id)
		})
		http.Redirect(w, r, "/outlook/auth/device/"+id, http.StatusFound)
	}
}

// DeviceHandler serves the device login page for a pending auth UUID.
func (s *Service) DeviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// URL: /outlook/auth/device/{uuid}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 4 {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		pend, ok := s.pending.Get(parts[3])
		if !ok {
			http.Error(w, "no pending auth", http.StatusNotFound)
			return
		}
		msg := s.graphMgr.DevicePrompt(pend.Namespace, pend.Alias)
		if msg == "" {
			deadline := time.Now().Add(8 * time.Second)
			for msg == "" && time.Now().Before(deadline) {
				time.Sleep(200 * time.Millisecond)
				msg = s.graphMgr.DevicePrompt(pend.Namespace, pend.Alias)
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if msg == "" {
			_, _ = fmt.Fprint(w, buildWaitingForDeviceHTML())
			return
		}
		_, _ = fmt.Fprint(w, buildDeviceLoginHTML(msg))
	}
}

// PendingListHandler returns JSON of pending sign-ins for a namespace.
func (s *Service) PendingListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ns := r.URL.Query().Get("namespace")
		if ns == "" {
			ns, _ = s.auth.Namespace(r.Context())
		}
		if ns == "" {
			http.Error(w, "namespace required", http.StatusBadRequest)
			return
		}
		type row struct{ UUID, Alias, Namespace string }
		list := s.pending.ListNamespace(ns)
		out := make([]row, 0, len(list))
		for _, v := range list {
			out = append(out, row{UUID: v.UUID, Alias: v.Alias, Namespace: v.Namespace})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// PendingClearHandler clears all pending sign-ins for a namespace.
func (s *Service) PendingClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ns := r.URL.Query().Get("namespace")
		if ns == "" {
			ns, _ = s.auth.Namespace(r.Context())
		}
		if ns == "" {
			http.Error(w, "namespace required", http.StatusBadRequest)
			return
		}
		cleared := s.pending.ClearNamespace(ns)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cleared": len(cleared), "uuids": cleared})
	}
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)
var codePattern = regexp.MustCompile(`(?i)code\s+([A-Z0-9-]+)`)

// buildDeviceLoginHTML converts the Azure device prompt into a clickable page
// with a copyable code.
func buildDeviceLoginHTML(msg string) string {
	url := "https://microsoft.com/devicelogin"
	if m := urlPattern.FindString(msg); m != "" {
		url = m
	}
	code := ""
	if m := codePattern.FindStringSubmatch(msg); len(m) == 2 {
		code = m[1]
	}
	escURL := html.EscapeString(url)
	if code == "" {
		return fmt.Sprintf(`<html><body>
<h3>Sign in to Outlook</h3>
<p>Open <a href="%[1]s" target="_blank" rel="noopener noreferrer">%[1]s</a> and follow the instructions.</p>
<pre>%[2]s</pre>
<p>Keep this tab open; return to your assistant after completing sign-in.</p>
</body></html>`, escURL, html.EscapeString(msg))
	}
	escCode := html.EscapeString(code)
	return fmt.Sprintf(`<html><body style="font-family: -apple-system, Segoe UI, Roboto, sans-serif;">
<h3>Sign in to Outlook</h3>
<p>Click to open: <a href="%[1]s" target="_blank" rel="noopener noreferrer">%[1]s</a></p>
<p>Then enter this code:</p>
<p style="font-size: 1.4em; font-weight: 600;"><code>%[2]s</code> <button onclick="navigator.clipboard.writeText('%[2]s')">Copy</button></p>
<p>Keep this tab open; return to your assistant after completing sign-in.</p>
</body></html>`, escURL, escCode)
}

func buildWaitingForDeviceHTML() string {
	url := html.EscapeString("https://microsoft.com/devicelogin")
	return fmt.Sprintf(`<!doctype html>
<html><head>
<meta http-equiv="refresh" content="2">
<meta charset="utf-8">
<title>Sign in to Outlook</title>
<style>body{font-family:-apple-system,Segoe UI,Roboto,sans-serif;margin:24px}</style>
</head><body>
<h3>Sign in to Outlook</h3>
<p>Preparing device login… this page refreshes automatically.</p>
<p>If it takes too long, open <a href="%[1]s" target="_blank" rel="noopener noreferrer">%[1]s</a> and follow the instructions.</p>
</body></html>`, url)
}
