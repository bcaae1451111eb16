package mcp

import (
	"context"

	"github.com/viant/jsonrpc/transport"
	protoclient "github.com/viant/mcp-protocol/client"
	"github.com/viant/mcp-protocol/logger"
	protoserver "github.com/viant/mcp-protocol/server"
)

// Handler is the per-session MCP handler for the Outlook toolset. It embeds
// the protocol default handler and keeps the client operations around so tool
// calls can elicit an out-of-band device sign-in.
type Handler struct {
	*protoserver.DefaultHandler
	service *Service
	ops     protoclient.Operations
}

// NewHandler returns the handler factory the MCP server invokes once per
// client session. The mail, calendar and task tools are registered here, per
// session, so their sign-in elicitation sees that session's capabilities.
func NewHandler(service *Service) protoserver.NewHandler {
	return func(_ context.Context, notifier transport.Notifier, logger logger.Logger, clientOperation protoclient.Operations) (protoserver.Handler, error) {
		base := protoserver.NewDefaultHandler(notifier, logger, clientOperation)
		ret := &Handler{DefaultHandler: base, service: service, ops: clientOperation}
		if err := registerTools(base, ret); err != nil {
			return nil, err
		}
		return ret, nil
	}
}
