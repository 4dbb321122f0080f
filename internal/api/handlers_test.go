package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"narrachat/internal/config"
	"narrachat/internal/service/ai"
	"narrachat/internal/service/character"
	"narrachat/internal/service/conversation"
	"narrachat/internal/service/environment"
	"narrachat/internal/service/stats"
	"narrachat/internal/storage"
	"narrachat/internal/worker"
)

type scriptedCompleter struct {
	chatErr error
}

func (s *scriptedCompleter) Complete(_ context.Context, task string, _ []*schema.Message) (string, error) {
	switch task {
	case config.TaskChat:
		if s.chatErr != nil {
			return "", s.chatErr
		}
		return "The wizard Eldrin greets you in Eldergrove.", nil
	case config.TaskSummary:
		return "The player met Eldrin.", nil
	case config.TaskCharacter:
		return `[{"name":"Eldrin","race":"Human","role":"Wizard","owner":null,"description":"A wizard."}]`, nil
	case config.TaskEnvironment:
		return `"Eldergrove"`, nil
	case config.TaskStats:
		return `{"strength": 10, "defense": 12, "agility": 8, "intelligence": 900, "magic": 1200, "health": 300}`, nil
	}
	return "", fmt.Errorf("unexpected task %s", task)
}

func TestConversationFlow(t *testing.T) {
	router, _ := newTestServer(t, &scriptedCompleter{})

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations", map[string]string{"conversation_id": "c1"})
	assertStatus(t, createResp, http.StatusCreated)

	turnResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/c1/messages", map[string]string{"content": "Hello"})
	assertStatus(t, turnResp, http.StatusOK)
	var turn worker.TurnResult
	decodeJSON(t, turnResp.Body.Bytes(), &turn)
	if turn.Reply != "The wizard Eldrin greets you in Eldergrove." {
		t.Fatalf("unexpected reply %q", turn.Reply)
	}
	if len(turn.Characters) != 1 || len(turn.Stats) != 1 || turn.Environment == nil {
		t.Fatalf("unexpected turn result %+v", turn)
	}

	msgResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/c1/messages", nil)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 3 || msgBody.Messages[0].Role != "system" || msgBody.Messages[2].Role != "assistant" {
		t.Fatalf("unexpected messages %+v", msgBody.Messages)
	}

	windowResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/c1/messages?window=1", nil)
	assertStatus(t, windowResp, http.StatusOK)
	decodeJSON(t, windowResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 || msgBody.Messages[0].Role != "system" {
		t.Fatalf("unexpected window %+v", msgBody.Messages)
	}

	var summaries struct {
		Summaries []json.RawMessage `json:"summaries"`
	}
	sumResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/c1/summaries", nil)
	assertStatus(t, sumResp, http.StatusOK)
	decodeJSON(t, sumResp.Body.Bytes(), &summaries)
	if len(summaries.Summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries.Summaries))
	}

	var chars struct {
		Characters []struct {
			Name           string   `json:"name"`
			AlternateNames []string `json:"alternate_names"`
		} `json:"characters"`
	}
	charResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/c1/characters", nil)
	assertStatus(t, charResp, http.StatusOK)
	decodeJSON(t, charResp.Body.Bytes(), &chars)
	if len(chars.Characters) != 1 || chars.Characters[0].Name != "Eldrin" {
		t.Fatalf("unexpected characters %+v", chars.Characters)
	}

	var envs struct {
		Environments []struct {
			EnvName string `json:"env_name"`
		} `json:"environments"`
	}
	envResp := doJSONRequest(t, router, http.MethodGet, "/api/environments", nil)
	assertStatus(t, envResp, http.StatusOK)
	decodeJSON(t, envResp.Body.Bytes(), &envs)
	if len(envs.Environments) != 1 || envs.Environments[0].EnvName != "Eldergrove" {
		t.Fatalf("unexpected environments %+v", envs.Environments)
	}

	var statBody struct {
		Stats []struct {
			Name string `json:"name"`
		} `json:"stats"`
	}
	statResp := doJSONRequest(t, router, http.MethodGet, "/api/stats", nil)
	assertStatus(t, statResp, http.StatusOK)
	decodeJSON(t, statResp.Body.Bytes(), &statBody)
	if len(statBody.Stats) != 1 || statBody.Stats[0].Name != "Eldrin" {
		t.Fatalf("unexpected stats %+v", statBody.Stats)
	}
}

func TestCreateConversationGeneratesID(t *testing.T) {
	router, _ := newTestServer(t, &scriptedCompleter{})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations", nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.ConversationID == "" {
		t.Fatalf("expected generated conversation id")
	}
}

func TestPostMessageValidation(t *testing.T) {
	router, _ := newTestServer(t, &scriptedCompleter{})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/c1/messages", map[string]string{"content": "   "})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversations/missing/messages", nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversations/missing/messages?window=x", nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestCompletionFailureMapsToBadGateway(t *testing.T) {
	router, _ := newTestServer(t, &scriptedCompleter{chatErr: fmt.Errorf("%w: chat: upstream 500", ai.ErrCompletion)})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/c1/messages", map[string]string{"content": "Hello"})
	assertStatus(t, resp, http.StatusBadGateway)
}

type stubTurns struct{ err error }

func (s stubTurns) Turn(context.Context, worker.TurnRequest) (*worker.TurnResult, error) {
	return nil, s.err
}

func TestTurnErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{worker.ErrQueueFull, http.StatusTooManyRequests},
		{fmt.Errorf("%w: insert message: disk full", storage.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: chat: timeout", ai.ErrCompletion), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		_, store := newTestServer(t, &scriptedCompleter{})
		router := gin.New()
		NewHandler(nil, stubTurns{err: tc.err}, store).RegisterRoutes(router)
		resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/c1/messages", map[string]string{"content": "Hello"})
		if resp.Code != tc.want {
			t.Fatalf("error %v mapped to %d, want %d", tc.err, resp.Code, tc.want)
		}
	}
}

func newTestServer(t *testing.T, completer ai.Completer) (*gin.Engine, *storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewStore(db)

	ctrl := conversation.NewController(store, completer, conversation.Options{})
	manager := worker.NewManager(ctrl,
		character.NewExtractor(store, completer, nil),
		environment.NewExtractor(store, completer, nil, false),
		stats.NewSynthesizer(store, completer, nil),
		worker.Options{},
	)
	t.Cleanup(manager.Close)

	router := gin.New()
	NewHandler(ctrl, manager, store).RegisterRoutes(router)
	return router, store
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
