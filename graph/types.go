package graph

// Tool input/output types. Field tags double as the JSON schema surfaced to
// the assistant runtime via protoserver.RegisterTool.

// MessageSummary is the normalized shape for mail listings.
type MessageSummary struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	From           string `json:"from,omitempty"`
	FromName       string `json:"fromName,omitempty"`
	ReceivedISO    string `json:"receivedISO,omitempty"`
	IsRead         bool   `json:"isRead"`
	HasAttachments bool   `json:"hasAttachments,omitempty"`
	Preview        string `json:"preview,omitempty"`
}

// MessageDetail is the full shape returned by the read tool.
type MessageDetail struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	From        string   `json:"from,omitempty"`
	FromName    string   `json:"fromName,omitempty"`
	To          []string `json:"to,omitempty"`
	ReceivedISO string   `json:"receivedISO,omitempty"`
	BodyType    string   `json:"bodyType,omitempty"`
	Body        string   `json:"body,omitempty"`
}

type ListMailInput struct {
	Account string `json:"account,omitempty" description:"account alias (default: 'default')"`
	Folder  string `json:"folder,omitempty" description:"well-known or custom folder name (default: inbox)"`
	Top     int    `json:"top,omitempty" description:"maximum number of messages to return (default 10, max 50)"`
	Filter  string `json:"filter,omitempty" description:"OData $filter expression (e.g., 'isRead eq false')"`
	Search  string `json:"search,omitempty" description:"free-text search over the folder"`
}

type ListMailOutput struct {
	Messages []MessageSummary `json:"messages"`
}

type ReadMailInput struct {
	Account   string `json:"account,omitempty" description:"account alias"`
	MessageID string `json:"messageId" description:"id of the message to read"`
}

type SearchMailInput struct {
	Account string `json:"account,omitempty" description:"account alias"`
	Query   string `json:"query" description:"free-text search query"`
	Top     int    `json:"top,omitempty" description:"maximum number of matches to return (default 10, max 50)"`
}

type Folder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UnreadCount int32  `json:"unreadItemCount"`
	TotalCount  int32  `json:"totalItemCount"`
}

type ListFoldersInput struct {
	Account string `json:"account,omitempty" description:"account alias"`
}

type ListFoldersOutput struct {
	Folders []Folder `json:"folders"`
}

type SendMailInput struct {
	Account    string   `json:"account,omitempty" description:"account alias"`
	To         []string `json:"to" description:"recipient addresses"`
	Subject    string   `json:"subject"`
	BodyText   string   `json:"bodyText,omitempty"`
	BodyHTML   string   `json:"bodyHtml,omitempty"`
	Importance string   `json:"importance,omitempty" description:"Low, Normal or High"`
}

type CalendarEvent struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	StartISO  string `json:"startISO"`
	EndISO    string `json:"endISO"`
	Location  string `json:"location,omitempty"`
	Organizer string `json:"organizer,omitempty"`
}

type ListEventsInput struct {
	Account string `json:"account,omitempty" description:"account alias"`
	// List events between now and now+DaysAhead (default 7).
	DaysAhead int      `json:"daysAhead,omitempty"`
	Filter    string   `json:"filter,omitempty" description:"OData $filter for events"`
	OrderBy   []string `json:"orderBy,omitempty" description:"OData $orderby fields (e.g., ['start/dateTime DESC'])"`
}

type ListEventsOutput struct {
	Events []CalendarEvent `json:"events"`
}

type CreateEventInput struct {
	Account   string   `json:"account,omitempty" description:"account alias"`
	Subject   string   `json:"subject"`
	StartISO  string   `json:"startISO"`
	EndISO    string   `json:"endISO"`
	TimeZone  string   `json:"timeZone,omitempty"`
	Location  string   `json:"location,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
	BodyText  string   `json:"bodyText,omitempty"`
}

type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
	DueISO string `json:"dueISO,omitempty"`
}

type ListTasksInput struct {
	Account string `json:"account,omitempty" description:"account alias"`
	Top     int    `json:"top,omitempty"`
	Filter  string `json:"filter,omitempty" description:"OData $filter for tasks (applied per list)"`
}

type ListTasksOutput struct {
	Tasks []Task `json:"tasks"`
}

type CreateTaskInput struct {
	Account  string `json:"account,omitempty" description:"account alias"`
	Title    string `json:"title"`
	BodyText string `json:"bodyText,omitempty"`
	DueISO   string `json:"dueISO,omitempty"`
}
