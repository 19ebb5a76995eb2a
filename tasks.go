package bizadmin

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DefaultMessagesPerPage is the page size of a task's message list.
const DefaultMessagesPerPage = 20

// ============================================================================
// Task messages
// ============================================================================

// TasksClient reads and writes task message threads.
type TasksClient struct {
	c *Client
	// PerPage is the page size used by SendMessage to find the cached first
	// page. Zero means DefaultMessagesPerPage.
	PerPage int
}

func (t *TasksClient) perPage() int {
	if t.PerPage > 0 {
		return t.PerPage
	}
	return DefaultMessagesPerPage
}

func messagesKey(taskID int64, req PageRequest) QueryKey {
	return Key("tasks", i64toa(taskID), "messages", itoa(req.Page), itoa(req.PerPage))
}

// Messages returns one page of a task's messages.
func (t *TasksClient) Messages(ctx context.Context, taskID int64, req PageRequest) (*TaskMessagesPage, error) {
	return t.messages(ctx, taskID, req, false)
}

func (t *TasksClient) messages(ctx context.Context, taskID int64, req PageRequest, force bool) (*TaskMessagesPage, error) {
	if req.PerPage <= 0 {
		req.PerPage = t.perPage()
	}
	req = req.normalized()
	return cached(ctx, t.c, messagesKey(taskID, req), force, func(ctx context.Context) (*TaskMessagesPage, error) {
		path := "/tasks/" + i64toa(taskID) + "/messages"
		data, err := t.c.doRequest(ctx, "GET", path, nil, pageQuery(nil, req))
		if err != nil {
			return nil, err
		}
		page, err := DecodePage[TaskMessage](data, "messages", req)
		if err != nil {
			return nil, err
		}
		return &TaskMessagesPage{
			Messages:      page.Items,
			Pagination:    page.Pagination,
			TotalMessages: totalMessages(page),
		}, nil
	})
}

// totalMessages prefers the server's count, then a real pagination total,
// then the number of items returned.
func totalMessages(page *Page[TaskMessage]) int {
	if n, ok := intField(page.Extra, "total_messages"); ok {
		return n
	}
	if !page.Pagination.Defaulted && page.Pagination.Total > 0 {
		return page.Pagination.Total
	}
	return len(page.Items)
}

// MessagePager walks a task's messages page by page. A message sent with
// SendMessage shows up provisionally on the first page of every per-page
// size already cached for the task.
func (t *TasksClient) MessagePager(taskID int64, perPage int) *Pager[TaskMessage] {
	return NewPager(perPage, func(ctx context.Context, req PageRequest) (*Page[TaskMessage], error) {
		p, err := t.Messages(ctx, taskID, req)
		if err != nil {
			return nil, err
		}
		return &Page[TaskMessage]{
			Items:      p.Messages,
			Pagination: p.Pagination,
			Extra:      map[string]json.RawMessage{"total_messages": json.RawMessage(itoa(p.TotalMessages))},
		}, nil
	})
}

// SendMessage posts a comment to a task. The message shows up in the cached
// first page at once, marked Provisional, and is rolled back if the write
// fails. After a successful write the first page is refetched.
func (t *TasksClient) SendMessage(ctx context.Context, taskID int64, content string) (*TaskMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	req := PageRequest{Page: 1, PerPage: t.perPage()}
	now := t.c.now()
	local := TaskMessage{
		ID:             now.UnixMilli(),
		TaskID:         taskID,
		EmployeeID:     t.c.identity.EmployeeID,
		EmployeeName:   t.c.identity.Name,
		MessageContent: content,
		MessageType:    MessageTypeComment,
		CreatedAt:      now.UTC().Format(time.RFC3339),
		Provisional:    true,
	}

	key := messagesKey(taskID, req)
	return Mutation[*TaskMessage]{
		Kind:   KindSendTaskMessage,
		Params: Params{"task_id": i64toa(taskID)},
		Provisional: &Provisional{
			Key:  key,
			Also: t.firstPages(taskID, key),
			Apply: func(prev any, ok bool) any {
				return appendProvisional(prev, ok, req, local)
			},
			Revert: func(cur any) any {
				return dropProvisional(cur, local.ID)
			},
		},
		Write: func(ctx context.Context) (*TaskMessage, error) {
			body := map[string]string{
				"message_content": content,
				"message_type":    MessageTypeComment,
			}
			data, err := t.c.doRequest(ctx, "POST", "/tasks/"+i64toa(taskID)+"/messages", body, nil)
			if err != nil {
				return nil, err
			}
			return decodeRecordAt[TaskMessage](data, "message")
		},
		Refetch: func(ctx context.Context) error {
			_, err := t.messages(ctx, taskID, req, true)
			return err
		},
	}.Run(ctx, t.c)
}

// firstPages lists the cached first pages of a task's thread other than
// except, one per page size.
func (t *TasksClient) firstPages(taskID int64, except QueryKey) []QueryKey {
	first := Key("tasks", i64toa(taskID), "messages", "1")
	var keys []QueryKey
	for _, k := range t.c.store.Keys() {
		if len(k) == len(first)+1 && k.HasPrefix(first) && k.String() != except.String() {
			keys = append(keys, k)
		}
	}
	return keys
}

func appendProvisional(prev any, ok bool, req PageRequest, msg TaskMessage) any {
	var page TaskMessagesPage
	if cur, isPage := prev.(*TaskMessagesPage); ok && isPage && cur != nil {
		page = *cur
	} else {
		page = TaskMessagesPage{Pagination: defaultPagination(req)}
	}
	msgs := make([]TaskMessage, len(page.Messages), len(page.Messages)+1)
	copy(msgs, page.Messages)
	page.Messages = append(msgs, msg)
	page.TotalMessages++
	return &page
}

func dropProvisional(cur any, id int64) any {
	page, ok := cur.(*TaskMessagesPage)
	if !ok || page == nil {
		return cur
	}
	msgs := make([]TaskMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.Provisional && m.ID == id {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == len(page.Messages) {
		return cur
	}
	out := *page
	out.Messages = msgs
	out.TotalMessages--
	return &out
}

// MessageStats returns participation counters for a task's thread.
func (t *TasksClient) MessageStats(ctx context.Context, taskID int64) (*MessageStats, error) {
	key := Key("tasks", i64toa(taskID), "messages-stats")
	return cached(ctx, t.c, key, false, func(ctx context.Context) (*MessageStats, error) {
		data, err := t.c.doRequest(ctx, "GET", "/tasks/"+i64toa(taskID)+"/messages/stats", nil, nil)
		if err != nil {
			return nil, err
		}
		return decodeRecordAt[MessageStats](data, "stats")
	})
}

// ============================================================================
// Recent messages
// ============================================================================

// MessagesClient reads messages across tasks.
type MessagesClient struct{ c *Client }

// Recent returns the latest messages across all tasks.
func (m *MessagesClient) Recent(ctx context.Context, limit int) ([]RecentMessage, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": itoa(limit)}
	}
	key := Key("messages", "recent", itoa(limit))
	return cached(ctx, m.c, key, false, func(ctx context.Context) ([]RecentMessage, error) {
		data, err := m.c.doRequest(ctx, "GET", "/messages/recent", nil, query)
		if err != nil {
			return nil, err
		}
		page, err := DecodePage[RecentMessage](data, "messages", PageRequest{})
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}
