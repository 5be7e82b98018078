package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/metrics"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*httptest.Server, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	cfg := config.DefaultConfig()
	store := conversation.NewStore(conversation.StoreConfig{IdleTimeout: 30 * time.Minute, Now: clk.Now})
	retr := retrieval.NewStaticRetriever([]retrieval.Document{
		{ID: "1", SourceID: "runbooks/deploy", Content: "Deploys run through the release pipeline after review."},
	})
	collector := metrics.NewCollector(config.MetricsConfig{Enabled: true, Namespace: "test"}, prometheus.NewRegistry())
	engine := conversation.NewEngine(cfg, store, router.New(router.DefaultConfig(), nil), retr, nil, collector)

	srv := httptest.NewServer(NewRouter(engine, collector))
	t.Cleanup(srv.Close)
	return srv, clk
}

func post(t *testing.T, srv *httptest.Server, thread, body string) (*http.Response, conversation.Reply) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/threads/"+thread+"/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply conversation.Reply
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusGone {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return resp, reply
}

func TestPostMessage_Greeting(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, reply := post(t, srv, "t1", `{"user_id":"u1","text":"Hello!"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, router.IntentGreeting, reply.Metadata.Intent)
	assert.Equal(t, 1, reply.Metadata.TurnCount)
	assert.NotEmpty(t, reply.Metadata.ConversationID)
	assert.NotEmpty(t, reply.ResponseText)
}

func TestPostMessage_RejectsBadBodies(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{`{"text":"  "}`, `not json`, `{"text":"hi","extra":1}`} {
		resp, _ := post(t, srv, "t1", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestGetThread(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/threads/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post(t, srv, "t2", `{"user_id":"u1","text":"How do deploys work?"}`)

	resp, err = http.Get(srv.URL + "/v1/threads/t2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st conversation.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "t2", st.ThreadID)
	assert.Equal(t, 1, st.TurnCount)
	assert.Len(t, st.History, 2)
}

func TestPostMessage_ExpiredConversationIsGone(t *testing.T) {
	srv, clk := newTestServer(t)

	_, first := post(t, srv, "t3", `{"user_id":"u1","text":"Hello!"}`)
	clk.Advance(31 * time.Minute)

	resp, expired := post(t, srv, "t3", `{"user_id":"u1","text":"Are you there?"}`)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, conversation.StatusExpired, expired.Metadata.Status)
	assert.Equal(t, first.Metadata.ConversationID, expired.Metadata.ConversationID)

	resp, next := post(t, srv, "t3", `{"user_id":"u1","text":"Hello again"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, first.Metadata.ConversationID, next.Metadata.ConversationID)
	assert.Equal(t, 1, next.Metadata.TurnCount)

	got, err := http.Get(srv.URL + "/v1/conversations/" + first.Metadata.ConversationID)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	var st conversation.State
	require.NoError(t, json.NewDecoder(got.Body).Decode(&st))
	assert.Equal(t, conversation.StatusExpired, st.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	post(t, srv, "t4", `{"user_id":"u1","text":"Hello!"}`)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["active_conversations"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_turns_total")
}
