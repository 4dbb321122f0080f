package character

import (
	"context"
	"errors"
	"testing"

	"narrachat/internal/config"
	"narrachat/internal/models"
	"narrachat/internal/service/ai"
	"narrachat/internal/storage"

	"github.com/cloudwego/eino/schema"
)

type fakeCompleter struct {
	reply    string
	err      error
	task     string
	messages []*schema.Message
}

func (f *fakeCompleter) Complete(_ context.Context, task string, messages []*schema.Message) (string, error) {
	f.task = task
	f.messages = messages
	return f.reply, f.err
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewStore(db)
}

func TestExtractsNewCharacter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendMessage(ctx, "c1", models.RoleAssistant, "The wizard Eldrin cast a spell."); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	fake := &fakeCompleter{reply: `[{"name":"Eldrin","race":"Human","role":"Wizard","owner":null,"description":"A wizard."}]`}
	ex := NewExtractor(store, fake, nil)

	inserted, err := ex.ProcessLatestMessage(ctx, "c1")
	if err != nil {
		t.Fatalf("ProcessLatestMessage: %v", err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected 1 inserted character, got %d", len(inserted))
	}
	if fake.task != config.TaskCharacter || fake.messages[1].Content != "The wizard Eldrin cast a spell." {
		t.Fatalf("unexpected completion request: %s %+v", fake.task, fake.messages)
	}

	chars, err := store.Characters(ctx, "c1")
	if err != nil {
		t.Fatalf("Characters: %v", err)
	}
	if len(chars) != 1 {
		t.Fatalf("expected 1 stored character, got %d", len(chars))
	}
	got := chars[0]
	if got.Name != "Eldrin" || got.Race != "Human" || got.Role != "Wizard" || got.Owner != "" {
		t.Fatalf("unexpected character %+v", got)
	}
	if got.AlternateNames == nil || len(got.AlternateNames) != 0 {
		t.Fatalf("expected empty alternate names, got %#v", got.AlternateNames)
	}
}

func TestFirstSightingWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendMessage(ctx, "c1", models.RoleUser, "Eldrin again."); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, _, err := store.InsertCharacter(ctx, models.Character{
		ConversationID: "c1", Name: "Sasonki", AlternateNames: []string{"The Archangel"}, Race: "Angel",
	}); err != nil {
		t.Fatalf("seed character: %v", err)
	}

	fake := &fakeCompleter{reply: `[
		{"name":"The Archangel","race":"Human"},
		{"name":"Sasonki","race":"Demon"},
		null,
		{},
		{"name":"Mira","race":"Elf"}
	]`}
	inserted, err := NewExtractor(store, fake, nil).ProcessLatestMessage(ctx, "c1")
	if err != nil {
		t.Fatalf("ProcessLatestMessage: %v", err)
	}
	if len(inserted) != 1 || inserted[0].Name != "Mira" {
		t.Fatalf("unexpected inserted characters %+v", inserted)
	}
	sasonki, err := store.FindCharacter(ctx, "c1", "Sasonki")
	if err != nil || sasonki == nil || sasonki.Race != "Angel" {
		t.Fatalf("existing character changed: %+v, %v", sasonki, err)
	}
}

func TestMalformedOutputWritesNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendMessage(ctx, "c1", models.RoleUser, "Eldrin waves."); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	fake := &fakeCompleter{reply: `Here you go: [{"name": "Eldrin"`}

	_, err := NewExtractor(store, fake, nil).ProcessLatestMessage(ctx, "c1")
	var mErr *ai.MalformedOutputError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected MalformedOutputError, got %v", err)
	}
	if mErr.Raw != fake.reply {
		t.Fatalf("raw text not preserved: %q", mErr.Raw)
	}
	chars, _ := store.Characters(ctx, "c1")
	if len(chars) != 0 {
		t.Fatalf("expected no characters, got %d", len(chars))
	}
}

func TestNoMessagesIsPreconditionError(t *testing.T) {
	fake := &fakeCompleter{reply: "[]"}
	_, err := NewExtractor(openTestStore(t), fake, nil).ProcessLatestMessage(context.Background(), "empty")
	if !errors.Is(err, storage.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
	if fake.task != "" {
		t.Fatalf("completion should not be called without messages")
	}
}
