package graph

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	models "github.com/microsoftgraph/msgraph-sdk-go/models"
)

type TaskService struct {
	m    *Manager
	rest *RestClient
}

func NewTaskService(m *Manager, rest *RestClient) *TaskService {
	return &TaskService{m: m, rest: rest}
}

type wireTask struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	DueDateTimeValue struct {
		DateTime string `json:"dateTime"`
	} `json:"dueDateTime"`
}

// List walks the user's to-do lists and collects up to Top tasks. The API has
// no cross-list endpoint, so this issues one request per list.
func (s *TaskService) List(ctx context.Context, in *ListTasksInput, scopes []string, prompt func(string)) (*ListTasksOutput, error) {
	top := in.Top
	if top <= 0 {
		top = 20
	}
	client, err := s.m.Client(ctx, in.Account, scopes, prompt)
	if err != nil {
		return nil, err
	}
	lists, err := client.Me().Todo().Lists().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list task lists: %w", err)
	}
	out := &ListTasksOutput{Tasks: []Task{}}
	for _, list := range lists.GetValue() {
		if len(out.Tasks) >= top {
			break
		}
		listID := ptrVal(list.GetId())
		if listID == "" {
			continue
		}
		q := neturl.Values{}
		if in.Filter != "" {
			q.Set("$filter", in.Filter)
		}
		var payload struct {
			Value []wireTask `json:"value"`
		}
		path := "/me/todo/lists/" + neturl.PathEscape(listID) + "/tasks"
		if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, path, q, nil, &payload); err != nil {
			return nil, err
		}
		for _, t := range payload.Value {
			if len(out.Tasks) >= top {
				break
			}
			out.Tasks = append(out.Tasks, Task{
				ID:     t.ID,
				Title:  t.Title,
				Status: t.Status,
				DueISO: t.DueDateTimeValue.DateTime,
			})
		}
	}
	return out, nil
}

// Create adds a task to the default to-do list through the Graph SDK.
func (s *TaskService) Create(ctx context.Context, in *CreateTaskInput, scopes []string, prompt func(string)) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("title is required: %w", ErrInvalidArguments)
	}
	client, err := s.m.Client(ctx, in.Account, scopes, prompt)
	if err != nil {
		return nil, err
	}
	lists, err := client.Me().Todo().Lists().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list task lists: %w", err)
	}
	var listID string
	if values := lists.GetValue(); len(values) > 0 {
		listID = ptrVal(values[0].GetId())
	}
	if listID == "" {
		return nil, fmt.Errorf("no task list available")
	}
	task := models.NewTodoTask()
	task.SetTitle(ptr(in.Title))
	if in.BodyText != "" {
		body := models.NewItemBody()
		body.SetContentType(ptr(models.TEXT_BODYTYPE))
		body.SetContent(ptr(in.BodyText))
		task.SetBody(body)
	}
	if in.DueISO != "" {
		if _, err := time.Parse(time.RFC3339, in.DueISO); err != nil {
			return nil, fmt.Errorf("dueISO must be RFC3339: %w", ErrInvalidArguments)
		}
		due := models.NewDateTimeTimeZone()
		due.SetDateTime(ptr(in.DueISO))
		due.SetTimeZone(ptr("UTC"))
		task.SetDueDateTime(due)
	}
	created, err := client.Me().Todo().Lists().ByTodoTaskListId(listID).Tasks().Post(ctx, task, nil)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &Task{ID: ptrVal(created.GetId()), Title: ptrVal(created.GetTitle())}, nil
}
