package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"narrachat/internal/config"
	"narrachat/internal/models"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/meguminnnnnnnnn/go-openai"
	"google.golang.org/genai"
)

type fakeChatModel struct {
	chunks   []string
	failures int
	failErr  error
	calls    int
	lastOpts *model.Options
	lastIn   []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	text, err := f.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	content, err := Drain(text)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(content, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	f.lastIn = input
	f.lastOpts = model.GetCommonOptions(&model.Options{}, opts...)
	if f.calls <= f.failures {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("upstream unavailable")
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newTestService(m model.BaseChatModel, attempts int, opts ...model.Option) *Service {
	svc := New(map[string]Binding{config.TaskChat: {Model: m, Options: opts}}, time.Second, attempts)
	svc.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return svc
}

func TestCompleteDrainsStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"The mist ", "parts ", "slowly."}}
	svc := newTestService(fake, 1, model.WithTemperature(1), model.WithMaxTokens(1024))

	got, err := svc.Complete(context.Background(), config.TaskChat, []*schema.Message{schema.UserMessage("Hello")})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "The mist parts slowly." {
		t.Fatalf("unexpected text %q", got)
	}
	if fake.lastOpts.Temperature == nil || *fake.lastOpts.Temperature != 1 {
		t.Fatalf("temperature option not passed: %+v", fake.lastOpts)
	}
	if fake.lastOpts.MaxTokens == nil || *fake.lastOpts.MaxTokens != 1024 {
		t.Fatalf("max tokens option not passed: %+v", fake.lastOpts)
	}
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"ok"}, failures: 2}
	svc := newTestService(fake, 3)

	got, err := svc.Complete(context.Background(), config.TaskChat, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" || fake.calls != 3 {
		t.Fatalf("got %q after %d calls", got, fake.calls)
	}
}

func TestCompleteWrapsExhaustedFailures(t *testing.T) {
	fake := &fakeChatModel{failures: 10}
	svc := newTestService(fake, 2)

	_, err := svc.Complete(context.Background(), config.TaskChat, nil)
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.calls)
	}
}

func TestCompleteDoesNotRetryRejectedRequest(t *testing.T) {
	rejected := fmt.Errorf("failed to create chat completion: %w",
		&goopenai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "invalid api key"})
	fake := &fakeChatModel{failures: 10, failErr: rejected}
	svc := newTestService(fake, 3)

	_, err := svc.Complete(context.Background(), config.TaskChat, nil)
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("rejected request retried, %d calls", fake.calls)
	}
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	limited := fmt.Errorf("send message fail: %w", genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"})
	fake := &fakeChatModel{chunks: []string{"ok"}, failures: 1, failErr: limited}
	svc := newTestService(fake, 3)

	got, err := svc.Complete(context.Background(), config.TaskChat, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" || fake.calls != 2 {
		t.Fatalf("got %q after %d calls", got, fake.calls)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errors.New("connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"openai 500", &goopenai.APIError{HTTPStatusCode: 500}, true},
		{"openai 400", &goopenai.APIError{HTTPStatusCode: 400}, false},
		{"openai request 404", &goopenai.RequestError{HTTPStatusCode: 404}, false},
		{"openai request 502", &goopenai.RequestError{HTTPStatusCode: 502}, true},
		{"claude 529", &anthropic.Error{StatusCode: 529}, true},
		{"claude 403", &anthropic.Error{StatusCode: 403}, false},
		{"gemini 429", genai.APIError{Code: 429}, true},
		{"gemini 400", genai.APIError{Code: 400}, false},
	}
	for _, tc := range cases {
		if got := transient(tc.err); got != tc.want {
			t.Fatalf("%s: transient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCompleteDoesNotRetryCancelledContext(t *testing.T) {
	fake := &fakeChatModel{failures: 10}
	svc := newTestService(fake, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Complete(ctx, config.TaskChat, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fake.calls > 1 {
		t.Fatalf("cancelled call retried %d times", fake.calls)
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	svc := newTestService(&fakeChatModel{}, 1)
	if _, err := svc.Complete(context.Background(), "nope", nil); !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
}

func TestConvertMessagesMapsRoles(t *testing.T) {
	out := ConvertMessages([]models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	})
	want := []schema.RoleType{schema.System, schema.User, schema.Assistant}
	for i, m := range out {
		if m.Role != want[i] {
			t.Fatalf("message %d role = %s, want %s", i, m.Role, want[i])
		}
	}
}

func TestParseJSONStripsFence(t *testing.T) {
	got, err := ParseJSON[[]map[string]any]("character", "```json\n[{\"name\": \"Eldrin\"}]\n```")
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "Eldrin" {
		t.Fatalf("unexpected parse result %v", got)
	}
}

func TestParseJSONReportsMalformedOutput(t *testing.T) {
	raw := "Sure! Here are the characters: Eldrin"
	_, err := ParseJSON[[]map[string]any]("character", raw)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	var mErr *MalformedOutputError
	if !errors.As(err, &mErr) || mErr.Raw != raw || mErr.Step != "character" {
		t.Fatalf("unexpected error detail %#v", err)
	}
	if _, err := ParseJSON[map[string]int]("stats", "   "); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected empty output to be malformed, got %v", err)
	}
}

func TestMaxCallDuration(t *testing.T) {
	svc := New(nil, 120*time.Second, 3)
	if got, want := svc.MaxCallDuration(), 380*time.Second; got != want {
		t.Fatalf("MaxCallDuration = %v, want %v", got, want)
	}
	if got := New(nil, time.Second, 0).MaxCallDuration(); got != time.Second {
		t.Fatalf("single attempt MaxCallDuration = %v", got)
	}
}
