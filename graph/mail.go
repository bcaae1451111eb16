package graph

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
)

// mail listing defaults, mirroring the tool schema (top between 1 and 50).
const (
	defaultTop = 10
	maxTop     = 50
)

// wire shapes owned by the Graph API.
type wireAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type wireMessage struct {
	ID               string        `json:"id"`
	Subject          string        `json:"subject"`
	From             wireAddress   `json:"from"`
	ToRecipients     []wireAddress `json:"toRecipients"`
	ReceivedDateTime string        `json:"receivedDateTime"`
	IsRead           bool          `json:"isRead"`
	HasAttachments   bool          `json:"hasAttachments"`
	BodyPreview      string        `json:"bodyPreview"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type MailService struct {
	m    *Manager
	rest *RestClient
}

func NewMailService(m *Manager, rest *RestClient) *MailService {
	return &MailService{m: m, rest: rest}
}

// List returns message summaries from a folder, newest first. Search and
// filter are mutually exclusive on the Graph side: when a search term is set
// the ordering and filter options are omitted from the request.
func (s *MailService) List(ctx context.Context, in *ListMailInput, scopes []string, prompt func(string)) (*ListMailOutput, error) {
	top := clampTop(in.Top)
	folder := strings.TrimSpace(in.Folder)
	if folder == "" {
		folder = "inbox"
	}
	q := neturl.Values{}
	q.Set("$top", fmt.Sprintf("%d", top))
	if search := strings.TrimSpace(in.Search); search != "" {
		q.Set("$search", `"`+search+`"`)
	} else {
		q.Set("$orderby", "receivedDateTime DESC")
		if in.Filter != "" {
			q.Set("$filter", in.Filter)
		}
	}
	var payload struct {
		Value []wireMessage `json:"value"`
	}
	path := "/me/mailFolders/" + neturl.PathEscape(folder) + "/messages"
	if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, path, q, nil, &payload); err != nil {
		return nil, err
	}
	out := &ListMailOutput{Messages: []MessageSummary{}}
	for i, msg := range payload.Value {
		if i >= top {
			break
		}
		out.Messages = append(out.Messages, summarize(msg))
	}
	return out, nil
}

// Read fetches one message by id, including its body.
func (s *MailService) Read(ctx context.Context, in *ReadMailInput, scopes []string, prompt func(string)) (*MessageDetail, error) {
	id := strings.TrimSpace(in.MessageID)
	if id == "" {
		return nil, fmt.Errorf("messageId is required: %w", ErrInvalidArguments)
	}
	var msg wireMessage
	path := "/me/messages/" + neturl.PathEscape(id)
	if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, path, neturl.Values{}, nil, &msg); err != nil {
		return nil, err
	}
	detail := &MessageDetail{
		ID:          msg.ID,
		Subject:     msg.Subject,
		From:        msg.From.EmailAddress.Address,
		FromName:    msg.From.EmailAddress.Name,
		ReceivedISO: msg.ReceivedDateTime,
		BodyType:    msg.Body.ContentType,
		Body:        msg.Body.Content,
	}
	for _, to := range msg.ToRecipients {
		detail.To = append(detail.To, to.EmailAddress.Address)
	}
	return detail, nil
}

// Search runs a free-text search across all messages of the mailbox. Zero
// matches yield an empty list, not an error.
func (s *MailService) Search(ctx context.Context, in *SearchMailInput, scopes []string, prompt func(string)) (*ListMailOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", ErrInvalidArguments)
	}
	top := clampTop(in.Top)
	q := neturl.Values{}
	q.Set("$top", fmt.Sprintf("%d", top))
	q.Set("$search", `"`+query+`"`)
	var payload struct {
		Value []wireMessage `json:"value"`
	}
	if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, "/me/messages", q, nil, &payload); err != nil {
		return nil, err
	}
	out := &ListMailOutput{Messages: []MessageSummary{}}
	for i, msg := range payload.Value {
		if i >= top {
			break
		}
		out.Messages = append(out.Messages, summarize(msg))
	}
	return out, nil
}

// Folders lists all mail folders with unread/total counts.
func (s *MailService) Folders(ctx context.Context, in *ListFoldersInput, scopes []string, prompt func(string)) (*ListFoldersOutput, error) {
	var payload struct {
		Value []Folder `json:"value"`
	}
	if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, "/me/mailFolders", neturl.Values{}, nil, &payload); err != nil {
		return nil, err
	}
	return &ListFoldersOutput{Folders: payload.Value}, nil
}

// Send submits a message via /me/sendMail and saves it to sent items.
func (s *MailService) Send(ctx context.Context, in *SendMailInput, scopes []string, prompt func(string)) error {
	if len(in.To) == 0 {
		return fmt.Errorf("at least one recipient is required: %w", ErrInvalidArguments)
	}
	if strings.TrimSpace(in.Subject) == "" {
		return fmt.Errorf("subject is required: %w", ErrInvalidArguments)
	}
	type emailAddress struct {
		Address string `json:"address"`
	}
	type recipient struct {
		EmailAddress emailAddress `json:"emailAddress"`
	}
	type itemBody struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}
	msg := map[string]any{"subject": in.Subject}
	if in.BodyHTML != "" {
		msg["body"] = itemBody{ContentType: "HTML", Content: in.BodyHTML}
	} else {
		msg["body"] = itemBody{ContentType: "Text", Content: in.BodyText}
	}
	var tos []recipient
	for _, addr := range in.To {
		if addr != "" {
			tos = append(tos, recipient{EmailAddress: emailAddress{Address: addr}})
		}
	}
	if len(tos) == 0 {
		return fmt.Errorf("no valid recipient address: %w", ErrInvalidArguments)
	}
	msg["toRecipients"] = tos
	if in.Importance != "" {
		msg["importance"] = in.Importance
	}
	body := map[string]any{"message": msg, "saveToSentItems": true}
	return s.rest.do(ctx, in.Account, scopes, prompt, http.MethodPost, "/me/sendMail", neturl.Values{}, body, nil)
}

func summarize(msg wireMessage) MessageSummary {
	return MessageSummary{
		ID:             msg.ID,
		Subject:        msg.Subject,
		From:           msg.From.EmailAddress.Address,
		FromName:       msg.From.EmailAddress.Name,
		ReceivedISO:    msg.ReceivedDateTime,
		IsRead:         msg.IsRead,
		HasAttachments: msg.HasAttachments,
		Preview:        msg.BodyPreview,
	}
}

func clampTop(top int) int {
	switch {
	case top <= 0:
		return defaultTop
	case top > maxTop:
		return maxTop
	default:
		return top
	}
}
