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

type CalendarService struct {
	m    *Manager
	rest *RestClient
}

func NewCalendarService(m *Manager, rest *RestClient) *CalendarService {
	return &CalendarService{m: m, rest: rest}
}

type wireEvent struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Start   struct {
		DateTime string `json:"dateTime"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
	} `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Organizer wireAddress `json:"organizer"`
}

// List returns events in the [now, now+daysAhead] window unless an explicit
// filter overrides the derived one.
func (s *CalendarService) List(ctx context.Context, in *ListEventsInput, scopes []string, prompt func(string)) (*ListEventsOutput, error) {
	days := in.DaysAhead
	if days <= 0 {
		days = 7
	}
	q := neturl.Values{}
	if len(in.OrderBy) > 0 {
		q.Set("$orderby", strings.Join(in.OrderBy, ","))
	} else {
		q.Set("$orderby", "start/dateTime ASC")
	}
	if in.Filter != "" {
		q.Set("$filter", in.Filter)
	} else {
		start, end := isoWindow(days)
		q.Set("$filter", fmt.Sprintf("start/dateTime ge '%s' and start/dateTime le '%s'", start, end))
	}
	var payload struct {
		Value []wireEvent `json:"value"`
	}
	if err := s.rest.do(ctx, in.Account, scopes, prompt, http.MethodGet, "/me/events", q, nil, &payload); err != nil {
		return nil, err
	}
	out := &ListEventsOutput{Events: []CalendarEvent{}}
	for _, ev := range payload.Value {
		out.Events = append(out.Events, CalendarEvent{
			ID:        ev.ID,
			Subject:   ev.Subject,
			StartISO:  ev.Start.DateTime,
			EndISO:    ev.End.DateTime,
			Location:  ev.Location.DisplayName,
			Organizer: ev.Organizer.EmailAddress.Address,
		})
	}
	return out, nil
}

// Create posts a new event through the Graph SDK.
func (s *CalendarService) Create(ctx context.Context, in *CreateEventInput, scopes []string, prompt func(string)) (*CalendarEvent, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return nil, fmt.Errorf("subject is required: %w", ErrInvalidArguments)
	}
	if in.StartISO == "" || in.EndISO == "" {
		return nil, fmt.Errorf("startISO and endISO are required: %w", ErrInvalidArguments)
	}
	client, err := s.m.Client(ctx, in.Account, scopes, prompt)
	if err != nil {
		return nil, err
	}
	ev := models.NewEvent()
	ev.SetSubject(ptr(in.Subject))
	tz := in.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	start := models.NewDateTimeTimeZone()
	start.SetDateTime(ptr(in.StartISO))
	start.SetTimeZone(ptr(tz))
	end := models.NewDateTimeTimeZone()
	end.SetDateTime(ptr(in.EndISO))
	end.SetTimeZone(ptr(tz))
	ev.SetStart(start)
	ev.SetEnd(end)
	if in.Location != "" {
		loc := models.NewLocation()
		loc.SetDisplayName(ptr(in.Location))
		ev.SetLocation(loc)
	}
	if len(in.Attendees) > 0 {
		var attendees []models.Attendeeable
		for _, addr := range in.Attendees {
			email := models.NewEmailAddress()
			email.SetAddress(ptr(addr))
			att := models.NewAttendee()
			att.SetEmailAddress(email)
			attendees = append(attendees, att)
		}
		ev.SetAttendees(attendees)
	}
	if in.BodyText != "" {
		body := models.NewItemBody()
		body.SetContentType(ptr(models.TEXT_BODYTYPE))
		body.SetContent(ptr(in.BodyText))
		ev.SetBody(body)
	}
	created, err := client.Me().Events().Post(ctx, ev, nil)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &CalendarEvent{
		ID:        ptrVal(created.GetId()),
		Subject:   ptrVal(created.GetSubject()),
		StartISO:  dateTimeToISO(created.GetStart()),
		EndISO:    dateTimeToISO(created.GetEnd()),
		Location:  locationName(created.GetLocation()),
		Organizer: organizerAddress(created.GetOrganizer()),
	}, nil
}

// isoWindow returns RFC3339 bounds for [now, now+days].
func isoWindow(days int) (start, end string) {
	now := time.Now().UTC()
	start = now.Format(time.RFC3339)
	end = now.Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	return
}

func dateTimeToISO(dt models.DateTimeTimeZoneable) string {
	if dt == nil || dt.GetDateTime() == nil {
		return ""
	}
	return *dt.GetDateTime()
}

func locationName(loc models.Locationable) string {
	if loc == nil || loc.GetDisplayName() == nil {
		return ""
	}
	return *loc.GetDisplayName()
}

func organizerAddress(org models.Recipientable) string {
	if org == nil || org.GetEmailAddress() == nil || org.GetEmailAddress().GetAddress() == nil {
		return ""
	}
	return *org.GetEmailAddress().GetAddress()
}

func ptr[T any](v T) *T { return &v }

func ptrVal[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
