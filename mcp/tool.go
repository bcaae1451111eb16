package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viant/jsonrpc"
	"github.com/viant/mcp-protocol/schema"
	protoserver "github.com/viant/mcp-protocol/server"

	"github.com/fridayops/outlook-mcp/graph"
)

//go:embed tools/outlookListMail.md
var outlookListMailDesc string

//go:embed tools/outlookReadMail.md
var outlookReadMailDesc string

//go:embed tools/outlookSearchMail.md
var outlookSearchMailDesc string

//go:embed tools/outlookListFolders.md
var outlookListFoldersDesc string

//go:embed tools/outlookSendMail.md
var outlookSendMailDesc string

//go:embed tools/outlookListEvents.md
var outlookListEventsDesc string

//go:embed tools/outlookCreateEvent.md
var outlookCreateEventDesc string

//go:embed tools/outlookListTasks.md
var outlookListTasksDesc string

//go:embed tools/outlookCreateTask.md
var outlookCreateTaskDesc string

func registerTools(base *protoserver.DefaultHandler, h *Handler) error {
	svc := h.service
	ops := h.ops

	// Non-blocking out-of-band device sign-in: when silent auth is not
	// possible, elicit a browser visit to the server-side start endpoint.
	// The caller's namespace rides along in the URL because the browser
	// visit is unauthenticated.
	startOOB := func(ctx context.Context, alias string) {
		if ops == nil || !ops.Implements(schema.MethodElicitationCreate) {
			return
		}
		ns, _ := svc.auth.Namespace(ctx)
		base := strings.TrimRight(svc.BaseURL(), "/")
		url := fmt.Sprintf("%s/outlook/auth/start?alias=%s&ns=%s", base, neturl.QueryEscape(alias), neturl.QueryEscape(ns))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, _ = ops.Elicit(ctx, &jsonrpc.TypedRequest[*schema.ElicitRequest]{Request: &schema.ElicitRequest{
				Params: schema.ElicitRequestParams{ElicitationId: uuid.New().String(), Message: "Sign in to Outlook", Mode: string(schema.ElicitRequestParamsModeUrl), Url: url},
			}})
		}()
	}
	// ensureSignIn kicks off the OOB flow when a device login would be needed.
	ensureSignIn := func(ctx context.Context, alias string) {
		if svc.GraphManager().NeedsInteractive(ctx, alias, svc.GraphManager().DefaultScopes()) {
			startOOB(ctx, alias)
		}
	}
	scopes := svc.GraphManager().DefaultScopes()

	if err := protoserver.RegisterTool[*graph.ListMailInput, *graph.ListMailOutput](base.Registry, "outlookListMail", outlookListMailDesc, func(ctx context.Context, in *graph.ListMailInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.mail.List(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.ReadMailInput, *graph.MessageDetail](base.Registry, "outlookReadMail", outlookReadMailDesc, func(ctx context.Context, in *graph.ReadMailInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.mail.Read(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.SearchMailInput, *graph.ListMailOutput](base.Registry, "outlookSearchMail", outlookSearchMailDesc, func(ctx context.Context, in *graph.SearchMailInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.mail.Search(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.ListFoldersInput, *graph.ListFoldersOutput](base.Registry, "outlookListFolders", outlookListFoldersDesc, func(ctx context.Context, in *graph.ListFoldersInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.mail.Folders(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.SendMailInput, *struct{}](base.Registry, "outlookSendMail", outlookSendMailDesc, func(ctx context.Context, in *graph.SendMailInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		if err := svc.mail.Send(ctx, in, scopes, nil); err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, map[string]any{"status": "sent"})
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.ListEventsInput, *graph.ListEventsOutput](base.Registry, "outlookListEvents", outlookListEventsDesc, func(ctx context.Context, in *graph.ListEventsInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.calendar.List(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.CreateEventInput, *graph.CalendarEvent](base.Registry, "outlookCreateEvent", outlookCreateEventDesc, func(ctx context.Context, in *graph.CreateEventInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.calendar.Create(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.ListTasksInput, *graph.ListTasksOutput](base.Registry, "outlookListTasks", outlookListTasksDesc, func(ctx context.Context, in *graph.ListTasksInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.tasks.List(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	if err := protoserver.RegisterTool[*graph.CreateTaskInput, *graph.Task](base.Registry, "outlookCreateTask", outlookCreateTaskDesc, func(ctx context.Context, in *graph.CreateTaskInput) (*schema.CallToolResult, *jsonrpc.Error) {
		ensureSignIn(ctx, in.Account)
		out, err := svc.tasks.Create(ctx, in, scopes, nil)
		if err != nil {
			return toolFailure(svc, err)
		}
		return buildSuccessResult(svc, out)
	}); err != nil {
		return err
	}

	return nil
}

// toolFailure maps graph errors into the tool error surface: argument
// validation becomes a jsonrpc invalid-params error; everything else becomes
// a structured error result with a stable category prefix, never a crash.
func toolFailure(svc *Service, err error) (*schema.CallToolResult, *jsonrpc.Error) {
	if errors.Is(err, graph.ErrInvalidArguments) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
	}
	category := "upstream_error"
	switch {
	case errors.Is(err, graph.ErrReauthRequired):
		category = "auth_failed"
	case errors.Is(err, graph.ErrTimeout):
		category = "timeout"
	case errors.Is(err, graph.ErrRateLimited):
		category = "rate_limited"
	}
	return buildToolErrorResult(svc, category+": "+err.Error()), nil
}

func buildSuccessResult(service *Service, payload any) (*schema.CallToolResult, *jsonrpc.Error) {
	if service.UseTextField() {
		b, _ := json.Marshal(payload)
		return &schema.CallToolResult{Content: []schema.CallToolResultContentElem{{Type: "text", Text: string(b)}}}, nil
	}
	return &schema.CallToolResult{StructuredContent: map[string]any{"result": payload}}, nil
}

func buildToolErrorResult(service *Service, message string) *schema.CallToolResult {
	isErr := true
	if service.UseTextField() {
		return &schema.CallToolResult{IsError: &isErr, Content: []schema.CallToolResultContentElem{{Type: "text", Text: message}}}
	}
	return &schema.CallToolResult{IsError: &isErr, StructuredContent: map[string]any{"error": message}}
}
