package bizadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threadPage = `{"success":true,"data":{"messages":[
	{"id":1,"task_id":42,"employee_id":3,"employee_name":"Sara","message_content":"hello","message_type":"comment","created_at":"2026-01-01T10:00:00Z"},
	{"id":2,"task_id":42,"employee_id":0,"employee_name":"","message_content":"status changed","message_type":"system","created_at":"2026-01-01T10:05:00Z","is_system_message":true}
],"total_messages":2,"pagination":{"current_page":1,"per_page":20,"total":2,"total_pages":1}}}`

// threadServer serves task 42's first page and answers POSTs with status.
func threadServer(t *testing.T, postStatus int, posted *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/42/messages":
			io.WriteString(w, threadPage)
		case r.Method == http.MethodPost && r.URL.Path == "/tasks/42/messages":
			posted.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "comment", body["message_type"])
			w.WriteHeader(postStatus)
			if postStatus >= 300 {
				io.WriteString(w, `{"success":false,"message":"لا يمكن إرسال الرسالة"}`)
				return
			}
			fmt.Fprintf(w, `{"success":true,"data":{"message":{"id":77,"task_id":42,"employee_id":3,"employee_name":"Sara","message_content":%q,"message_type":"comment"}}}`, body["message_content"])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestSendMessageOfflineRollsBack(t *testing.T) {
	var posted atomic.Int32
	srv := threadServer(t, http.StatusOK, &posted)
	c := NewClient("tok", WithBaseURL(srv.URL), WithIdentity(3, "Sara"), WithClock(fixedClock()))
	ctx := context.Background()

	_, err := c.Tasks.Messages(ctx, 42, PageRequest{Page: 1})
	require.NoError(t, err)
	key := messagesKey(42, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage})
	before, ok := c.Store().Get(key)
	require.True(t, ok)
	beforeJSON, _ := json.Marshal(before.Data)

	// Go offline.
	srv.Close()

	var seen *TaskMessagesPage
	c.Events().On(EventMutationPending, func(string, any) {
		e, _ := c.Store().Get(key)
		seen = e.Data.(*TaskMessagesPage)
	})
	invalidated := map[string]int{}
	c.Store().Subscribe(Key(), func(ch Change) {
		if ch.Kind == ChangeInvalidated {
			invalidated[ch.Key.String()]++
		}
	})

	_, err = c.Tasks.SendMessage(ctx, 42, "تم")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)

	// The provisional message was visible while the write was pending.
	require.NotNil(t, seen)
	require.Len(t, seen.Messages, 3)
	last := seen.Messages[2]
	assert.True(t, last.Provisional)
	assert.Equal(t, "تم", last.MessageContent)
	assert.Equal(t, "Sara", last.EmployeeName)
	assert.Equal(t, int64(3), last.EmployeeID)
	assert.Equal(t, fixedClock()().UnixMilli(), last.ID)
	assert.Equal(t, 3, seen.TotalMessages)

	// Afterwards the list is exactly what it was before the send.
	after, ok := c.Store().Get(key)
	require.True(t, ok)
	if diff := cmp.Diff(before.Data, after.Data); diff != "" {
		t.Errorf("cache not restored (-before +after):\n%s", diff)
	}
	afterJSON, _ := json.Marshal(after.Data)
	assert.Equal(t, string(beforeJSON), string(afterJSON))
	assert.True(t, after.Stale, "settlement marks the thread stale")
	assert.Equal(t, map[string]int{key.String(): 1}, invalidated)
	assert.Zero(t, posted.Load())
}

func TestSendMessageReachesEveryPageSize(t *testing.T) {
	var posted atomic.Int32
	srv := threadServer(t, http.StatusOK, &posted)
	c := NewClient("tok", WithBaseURL(srv.URL), WithIdentity(3, "Sara"), WithClock(fixedClock()))
	ctx := context.Background()

	_, err := c.Tasks.Messages(ctx, 42, PageRequest{Page: 1})
	require.NoError(t, err)
	_, err = c.Tasks.MessagePager(42, 10).NextPage(ctx)
	require.NoError(t, err)
	older := Key("tasks", "42", "messages", "2", "10")
	c.Store().Set(older, "older page")

	keys := []QueryKey{
		messagesKey(42, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage}),
		messagesKey(42, PageRequest{Page: 1, PerPage: 10}),
	}
	before := make([]any, len(keys))
	for i, k := range keys {
		e, ok := c.Store().Get(k)
		require.True(t, ok, k.String())
		before[i] = e.Data
	}

	srv.Close()

	seen := map[string]int{}
	c.Events().On(EventMutationPending, func(string, any) {
		for _, k := range keys {
			e, _ := c.Store().Get(k)
			page := e.Data.(*TaskMessagesPage)
			if last := page.Messages[len(page.Messages)-1]; last.Provisional {
				seen[k.String()] = len(page.Messages)
			}
		}
	})

	_, err = c.Tasks.SendMessage(ctx, 42, "تم")
	require.Error(t, err)

	assert.Equal(t, map[string]int{keys[0].String(): 3, keys[1].String(): 3}, seen)
	for i, k := range keys {
		after, _ := c.Store().Get(k)
		if diff := cmp.Diff(before[i], after.Data); diff != "" {
			t.Errorf("%s not restored (-before +after):\n%s", k, diff)
		}
	}
	e, _ := c.Store().Get(older)
	assert.Equal(t, "older page", e.Data, "later pages are left alone")
	assert.Zero(t, posted.Load())
}

func TestSendMessageServerRejects(t *testing.T) {
	var posted atomic.Int32
	srv := threadServer(t, http.StatusUnprocessableEntity, &posted)
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	_, err := c.Tasks.Messages(ctx, 42, PageRequest{})
	require.NoError(t, err)

	_, err = c.Tasks.SendMessage(ctx, 42, "ok")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "لا يمكن إرسال الرسالة", re.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, re.StatusCode)

	e, _ := c.Store().Get(messagesKey(42, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage}))
	for _, m := range e.Data.(*TaskMessagesPage).Messages {
		assert.False(t, m.Provisional)
	}
}

func TestSendMessageCommits(t *testing.T) {
	var posted atomic.Int32
	srv := threadServer(t, http.StatusOK, &posted)
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	var mu sync.Mutex
	var states []MutationState
	c.Events().On(EventAll, func(_ string, payload any) {
		if ev, ok := payload.(MutationEvent); ok {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})

	msg, err := c.Tasks.SendMessage(ctx, 42, "done")
	require.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	assert.Equal(t, "done", msg.MessageContent)
	assert.EqualValues(t, 1, posted.Load())

	assert.Equal(t, []MutationState{MutationPending, MutationCommitted, MutationSettled}, states)

	// The refetch replaced the provisional record with server truth.
	page, err := c.Tasks.Messages(ctx, 42, PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	for _, m := range page.Messages {
		assert.False(t, m.Provisional)
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Tasks.SendMessage(context.Background(), 42, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, c.Store().Keys(), "nothing is written for a rejected message")
}

func TestConcurrentSendsRollBackOnlyTheirOwn(t *testing.T) {
	key := messagesKey(42, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage})
	c := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
	c.Store().Set(key, &TaskMessagesPage{Messages: []TaskMessage{{ID: 1, MessageContent: "hello"}}, TotalMessages: 1})

	release := make(chan struct{})
	sibling := make(chan struct{})
	go func() {
		defer close(sibling)
		Mutation[int]{
			Kind:   KindSendTaskMessage,
			Params: Params{"task_id": "42"},
			Provisional: &Provisional{
				Key: key,
				Apply: func(prev any, ok bool) any {
					return appendProvisional(prev, ok, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage},
						TaskMessage{ID: 1001, MessageContent: "sibling", Provisional: true})
				},
				Revert: func(cur any) any { return dropProvisional(cur, 1001) },
			},
			Write: func(ctx context.Context) (int, error) {
				<-release
				return 1, nil
			},
		}.Run(context.Background(), c)
	}()

	// Wait until the sibling's provisional record is in place.
	require.Eventually(t, func() bool {
		e, _ := c.Store().Get(key)
		return len(e.Data.(*TaskMessagesPage).Messages) == 2
	}, time.Second, time.Millisecond)

	_, err := Mutation[int]{
		Kind:   KindSendTaskMessage,
		Params: Params{"task_id": "42"},
		Provisional: &Provisional{
			Key: key,
			Apply: func(prev any, ok bool) any {
				return appendProvisional(prev, ok, PageRequest{Page: 1, PerPage: DefaultMessagesPerPage},
					TaskMessage{ID: 1002, MessageContent: "mine", Provisional: true})
			},
			Revert: func(cur any) any { return dropProvisional(cur, 1002) },
		},
		Write: func(ctx context.Context) (int, error) {
			return 0, &NetworkError{Op: "POST", Err: io.ErrUnexpectedEOF}
		},
	}.Run(context.Background(), c)
	require.Error(t, err)

	e, _ := c.Store().Get(key)
	var ids []int64
	for _, m := range e.Data.(*TaskMessagesPage).Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 1001}, ids, "only the failed send's record is removed")

	close(release)
	<-sibling
}

func TestMessageStatsAndRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/42/messages/stats":
			io.WriteString(w, `{"success":true,"data":{"stats":{"total_messages":9,"employee_messages":7,"system_messages":2,"participants":3}}}`)
		case "/messages/recent":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			io.WriteString(w, `{"success":true,"data":[{"id":5,"task_id":42,"employee_name":"Sara","message_content":"hi","task_title":"Audit"},{"id":4,"task_id":7,"message_content":"yo"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	stats, err := c.Tasks.MessageStats(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, MessageStats{TotalMessages: 9, EmployeeMessages: 7, SystemMessages: 2, Participants: 3}, *stats)

	recent, err := c.Messages.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Audit", recent[0].TaskTitle)
	assert.Equal(t, int64(42), recent[0].TaskID)
}
