package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/router"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, name := range []string{"init", "chat", "serve", "gateway", "index", "version", "--config"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q:\n%s", name, output)
		}
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subcommand is required")
}

func TestVersionCommand(t *testing.T) {
	output, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "dotrag dev"), output)

	flagOutput, err := runRootCommandForTest("--version")
	require.NoError(t, err)
	assert.Equal(t, output, flagOutput)
}

func TestInitWritesConfigOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	output, err := runRootCommandForTest("init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Wrote default config")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultConfig().Retrieval.MaxResults, cfg.Retrieval.MaxResults)

	output, err = runRootCommandForTest("init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "already exists")
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.jsonl")
	lines := `{"id":"1","source_id":"runbooks/deploy","content":"Deploys go through the release pipeline after code review."}
{"id":"2","source_id":"incidents/open","content":"Two incidents are open: INC-1 checkout latency and INC-2 payment errors."}
`
	require.NoError(t, os.WriteFile(corpus, []byte(lines), 0o644))

	cfg := config.DefaultConfig()
	cfg.Retrieval.CorpusPath = corpus
	cfg.Persistence.Backend = "sqlite"
	cfg.Persistence.SQLitePath = filepath.Join(dir, "state", "conversations.db")
	cfg.Logging.Level = "error"
	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.SaveConfig(path, cfg))
	return path
}

func TestChatOneShot(t *testing.T) {
	path := writeTestConfig(t)

	output, err := runRootCommandForTest("chat", "--config", path, "--message", "How do deploys reach the release pipeline?", "--debug")
	require.NoError(t, err, output)
	assert.Contains(t, output, "dotrag ")
	assert.Contains(t, output, "runbooks/deploy")
	assert.Contains(t, output, "route=retrieval_search")
}

func TestChatRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Router.ClarifyFloor = 3
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(path, cfg))

	_, err := runRootCommandForTest("chat", "--config", path, "--message", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router.clarify_floor")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T) (*chatSession, *testClock, *bytes.Buffer) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
	store := conversation.NewStore(conversation.StoreConfig{IdleTimeout: 30 * time.Minute, Now: clk.Now})
	retr := retrieval.NewStaticRetriever(nil)
	engine := conversation.NewEngine(config.DefaultConfig(), store, router.New(router.DefaultConfig(), nil), retr, nil, nil)
	out := &bytes.Buffer{}
	return &chatSession{engine: engine, thread: "cli:test", user: "tester", out: out}, clk, out
}

func TestChatSessionResendsAfterExpiry(t *testing.T) {
	s, clk, out := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.send(ctx, "Hello!"))
	first, err := s.engine.Store().Get("cli:test")
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	require.NoError(t, s.send(ctx, "Hello again"))

	second, err := s.engine.Store().Get("cli:test")
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, 1, second.TurnCount)
	assert.Equal(t, 3, strings.Count(out.String(), "dotrag "))

	archived, err := s.engine.Store().GetConversation(first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusExpired, archived.Status)
}

func TestChatSessionSimpleInput(t *testing.T) {
	s, _, out := newTestSession(t)

	err := s.simple(context.Background(), strings.NewReader("\nHello!\nquit\nnever read\n"))
	require.NoError(t, err)

	st, err := s.engine.Store().Get("cli:test")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TurnCount)
	assert.Contains(t, out.String(), "Goodbye!")
}
