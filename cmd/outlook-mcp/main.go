package main

import (
	"context"
	"log"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/viant/mcp-protocol/authorization"
	oauthmeta "github.com/viant/mcp-protocol/oauth2/meta"
	"github.com/viant/mcp-protocol/schema"
	mcpsrv "github.com/viant/mcp/server"
	serverauth "github.com/viant/mcp/server/auth"
	"github.com/viant/scy"
	"github.com/viant/scy/auth/flow"
	"github.com/viant/scy/cred"
	_ "github.com/viant/scy/kms/blowfish"

	"github.com/fridayops/outlook-mcp/mcp"
)

// Options defines CLI flags for the Outlook MCP server. Values left empty fall
// back to OUTLOOK_* environment variables.
type Options struct {
	HTTPAddr     string `short:"a" long:"addr" description:"HTTP listen address (default :7787)"`
	ClientID     string `long:"client-id" description:"Azure AD application (client) ID"`
	TenantID     string `long:"tenant-id" description:"Tenant ID or 'organizations'/'common'"`
	SecretsBase  string `long:"secretsBase" description:"AFS base URL for persisting auth records (e.g., file://$HOME/.outlook-mcp)"`
	AzureRef     string `long:"azure-ref" description:"scy EncodedResource for Azure cred (e.g., gcp://...|blowfish://default)"`
	Oauth2Config string `short:"o" long:"oauth2config" description:"Path to JSON OAuth2 configuration file (scy EncodedResource)"`
	UseIdToken   bool   `short:"i" long:"use-id-token" description:"Use ID token (instead of access token) for identity scoping"`
	UseData      bool   `long:"use-data" description:"Return tool results as structured content instead of text"`
}

func main() {

	var opts Options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(2)
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = envOr("OUTLOOK_MCP_ADDR", ":7787")
	}
	if opts.ClientID == "" {
		opts.ClientID = envOr("OUTLOOK_CLIENT_ID", "")
	}
	if opts.TenantID == "" {
		opts.TenantID = envOr("OUTLOOK_TENANT_ID", "common")
	}
	if opts.AzureRef == "" {
		opts.AzureRef = envOr("OUTLOOK_AZURE_REF", "")
	}
	if opts.SecretsBase == "" {
		opts.SecretsBase = envOr("OUTLOOK_SECRETS_BASE", "mem://localhost/outlook-mcp")
	}
	clientSecret := os.Getenv("OUTLOOK_CLIENT_SECRET")

	// Derive callback base URL from the listen address.
	hostport := opts.HTTPAddr
	if hostport[0] == ':' {
		hostport = "localhost" + hostport
	}
	baseURL := "http://" + hostport

	cfg := &mcp.Config{
		ClientID:        opts.ClientID,
		ClientSecret:    clientSecret,
		TenantID:        opts.TenantID,
		SecretsBase:     strings.Replace(opts.SecretsBase, "$HOME", os.Getenv("HOME"), 1),
		CallbackBaseURL: baseURL,
		UseData:         opts.UseData,
		AzureRef:        scy.EncodedResource(opts.AzureRef),
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration: %v", err)
	}
	svc, err := mcp.NewService(cfg)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	options := []mcpsrv.Option{
		mcpsrv.WithImplementation(schema.Implementation{Name: "outlook-mcp", Version: "0.1.0"}),
		mcpsrv.WithNewHandler(mcp.NewHandler(svc)),
		mcpsrv.WithEndpointAddress(opts.HTTPAddr),
		mcpsrv.WithRootRedirect(true),
		mcpsrv.WithStreamableURI("/mcp"),
		mcpsrv.WithCustomHTTPHandler("/outlook/auth/start", svc.DeviceStartHandler()),
		mcpsrv.WithCustomHTTPHandler("/outlook/auth/device/", svc.DeviceHandler()),
		mcpsrv.WithCustomHTTPHandler("/outlook/auth/pending", svc.PendingListHandler()),
		mcpsrv.WithCustomHTTPHandler("/outlook/auth/pending/clear", svc.PendingClearHandler()),
	}

	// Optional server-level OAuth2 protection of the /mcp endpoint.
	if v := strings.TrimSpace(opts.Oauth2Config); v != "" {
		res := scy.EncodedResource(v).Decode(context.Background(), cred.Oauth2Config{})
		sec, err := scy.New().Load(context.Background(), res)
		if err != nil {
			log.Fatalf("failed to load oauth2config: %v", err)
		}
		oc, ok := sec.Target.(*cred.Oauth2Config)
		if !ok {
			log.Fatalf("invalid oauth2config secret type")
		}
		authPolicy := &authorization.Policy{
			Global: &authorization.Authorization{
				UseIdToken: opts.UseIdToken,
				ProtectedResourceMetadata: &oauthmeta.ProtectedResourceMetadata{
					AuthorizationServers: []string{oc.Config.Endpoint.AuthURL},
				}},
			ExcludeURI: "/sse,/outlook/auth/",
		}
		bff := &serverauth.BackendForFrontend{Client: &oc.Config, AuthorizationExchangeHeader: flow.AuthorizationExchangeHeader}
		authSvc, err := serverauth.New(&serverauth.Config{Policy: authPolicy, BackendForFrontend: bff})
		if err != nil {
			log.Fatalf("failed to init auth service: %v", err)
		}
		options = append(options,
			mcpsrv.WithAuthorizer(authSvc.Middleware),
			mcpsrv.WithProtectedResourcesHandler(authSvc.ProtectedResourcesHandler),
		)
	}

	server, err := mcpsrv.New(options...)
	if err != nil {
		log.Fatal(err)
	}
	server.UseStreamableHTTP(true)
	log.Printf("outlook-mcp listening on %s", opts.HTTPAddr)
	if err := server.HTTP(context.Background(), opts.HTTPAddr).ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
