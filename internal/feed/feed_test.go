package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/exchange"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestPresenterPublishesToScope(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"*"}, true, nil)
	sub := hub.Subscribe("c1")
	defer sub.Close()
	other := hub.Subscribe("c2")
	defer other.Close()

	ctx := context.Background()
	p := hub.Presenter("c1")

	id, err := p.UpsertPrimary(ctx, "", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	msg := receive(t, sub)
	assert.Equal(t, OpUpsert, msg.Op)
	assert.Equal(t, "primary", msg.Kind)
	assert.Equal(t, id, msg.ArtifactID)
	assert.False(t, msg.Timestamp.IsZero())

	same, err := p.UpsertPrimary(ctx, id, "hello world")
	require.NoError(t, err)
	assert.Equal(t, id, same)
	assert.Equal(t, "hello world", receive(t, sub).Text)

	require.NoError(t, p.Notify(ctx, exchange.CategoryRateLimit, "slow down"))
	msg = receive(t, sub)
	assert.Equal(t, OpNotify, msg.Op)
	assert.Equal(t, "rate_limit", msg.Category)

	require.NoError(t, p.DeleteArtifact(ctx, id))
	assert.Equal(t, OpDelete, receive(t, sub).Op)
	require.NoError(t, p.SendTyping(ctx))
	assert.Equal(t, OpTyping, receive(t, sub).Op)

	previewID, err := p.ShowPreview(ctx, domain.TicketProposal{Summary: "Fix it"}, []domain.Decision{domain.DecisionCreated})
	require.NoError(t, err)
	msg = receive(t, sub)
	assert.Equal(t, OpPreview, msg.Op)
	assert.Equal(t, previewID, msg.ArtifactID)
	assert.Equal(t, "Fix it", msg.Proposal.Summary)

	select {
	case msg := <-other.C:
		t.Fatalf("other scope received %v", msg)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"*"}, true, nil)
	sub := hub.Subscribe("c1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Publish("c1", Message{Op: OpTyping})
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"*"}, true, nil)
	sub := hub.Subscribe("c1")
	assert.Equal(t, 1, hub.Subscribers("c1"))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("c1"))
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestServeScopeStreamsMessages(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"https://app.example"}, false, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeScope(w, r, "c1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish("c1", Message{Op: OpNotify, Text: "hi", Category: "info"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, OpNotify, msg.Op)
	assert.Equal(t, "hi", msg.Text)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeScopeRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"https://app.example"}, false, nil)
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	hub.ServeScope(w, req, "c1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeScopeAcceptsAnyListedOrigin(t *testing.T) {
	t.Parallel()

	hub := NewHub([]string{"https://app.example", "https://ops.example"}, false, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeScope(w, r, "c1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://ops.example"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 5*time.Millisecond)
}
