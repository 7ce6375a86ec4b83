package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provider/providertest"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/storage/sqlite"
	"github.com/steveyegge/sandboxd/internal/types"
)

func newConversation(t *testing.T, fake *providertest.Fake) *Conversation {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.EnsureProject(ctx, &types.Project{ID: "p1", OwnerID: "u1"})
	require.NoError(t, err)
	id := "sb-1"
	require.NoError(t, store.WriteStatus(ctx, "p1", storage.StatusWrite{
		Status: types.SandboxStatusStarted, SandboxID: &id, UpdatedAt: time.Now(),
	}))

	return &Conversation{
		Store:   store,
		Runner:  newTestManager(fake, time.Second),
		Project: "p1",
		Node:    "n1",
		TurnKey: "conn-1",
	}
}

func TestConversationRecordsHandleAndTranscript(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"assistant","session_id":"h1","message":{"content":[]}}`,
		`{"type":"result","session_id":"h1","result":"first"}`,
	}}
	conv := newConversation(t, fake)
	ctx := context.Background()

	var seen []events.TurnEventType
	last := conv.Ask(ctx, "one", func(e events.TurnEvent) { seen = append(seen, e.Type) })
	assert.Equal(t, events.TurnEventComplete, last.Type)
	assert.Equal(t, "first", last.Result)
	assert.Equal(t, []events.TurnEventType{
		events.TurnEventJSONMessage, events.TurnEventSessionUpdate, events.TurnEventComplete,
	}, seen)

	h, err := conv.Store.GetHandle(ctx, "n1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "h1", h.Handle)

	// the agent forked the conversation; the stored handle follows it
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"assistant","session_id":"h2","message":{"content":[]}}`,
		`{"type":"result","result":"second"}`,
	}}
	last = conv.Ask(ctx, "two", func(events.TurnEvent) {})
	assert.Equal(t, "second", last.Result)
	cmds := sb.SessionCommands()
	assert.Contains(t, cmds[len(cmds)-1].Command, "--resume h1")

	h, err = conv.Store.GetHandle(ctx, "n1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "h2", h.Handle)

	history, err := conv.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, types.RoleAssistant, history[3].Role)
	assert.Equal(t, "conn-1", history[3].TurnKey)
}

func TestConversationUnknownProject(t *testing.T) {
	conv := newConversation(t, providertest.New())
	conv.Project = "missing"

	var seen []events.TurnEvent
	last := conv.Ask(context.Background(), "hi", func(e events.TurnEvent) { seen = append(seen, e) })
	require.Len(t, seen, 1)
	assert.Equal(t, events.TurnEventError, last.Type)
	assert.NotEmpty(t, last.Error)
}

func TestConversationSandboxGone(t *testing.T) {
	conv := newConversation(t, providertest.New())

	last := conv.Ask(context.Background(), "hi", func(events.TurnEvent) {})
	assert.Equal(t, RestartMessage, last.Error)

	history, err := conv.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.RoleError, history[1].Role)
	assert.Equal(t, RestartMessage, history[1].Content)
}
