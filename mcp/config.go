package mcp

import (
	"errors"

	"github.com/viant/scy"
)

// Config controls Outlook MCP server behaviour and authentication.
type Config struct {
	// Azure AD application (client) ID for Microsoft Graph.
	ClientID string `json:"clientID"`
	// Optional client secret; when set, the server authenticates with the
	// client-credentials flow instead of delegated device-code sign-in.
	ClientSecret string `json:"clientSecret,omitempty"`
	// Tenant ID or "organizations"/"common".
	TenantID string `json:"tenantID"`

	// SecretsBase is an AFS URL root for persisting auth records per
	// namespace+alias. Examples: mem://localhost/outlook-mcp,
	// file://~/.outlook-mcp/secret
	SecretsBase string `json:"secretsBase,omitempty"`

	// CallbackBaseURL is used to generate absolute URLs for the device
	// sign-in pages. Example: http://localhost:7787
	CallbackBaseURL string `json:"callbackBaseURL,omitempty"`

	// RequestTimeoutSeconds caps each outbound Graph call (default 30s).
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds,omitempty"`

	// If true, return tool results in structured content instead of text.
	UseData bool `json:"useData,omitempty"`

	// AzureRef optionally points to an Azure OAuth2 client config stored as a
	// scy resource, using EncodedResource syntax "<URL>|<kmsKey>". The
	// referenced content should unmarshal into github.com/viant/scy/cred.Azure.
	// Examples:
	//  - file-based: "~/.secret/azure.yaml|blowfish://default"
	//  - GCP secret: "gcp://secretmanager/projects/myproj/secrets/azure-cred|blowfish://default"
	AzureRef scy.EncodedResource `json:"azureRef,omitempty"`
}

// Validate reports startup configuration errors. Called before the server
// starts serving; a failure here is fatal.
func (c *Config) Validate() error {
	if c == nil || (c.ClientID == "" && c.AzureRef == "") {
		return errors.New("clientID is required (set OUTLOOK_CLIENT_ID or provide an azure-ref secret)")
	}
	return nil
}
