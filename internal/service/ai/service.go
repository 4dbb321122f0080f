package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"narrachat/internal/config"
	"narrachat/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ErrCompletion marks failures of the completion endpoint: transport errors,
// timeouts and rejected requests.
var ErrCompletion = errors.New("completion service error")

// Completer turns a prompt into the fully accumulated model text for a task.
type Completer interface {
	Complete(ctx context.Context, task string, messages []*schema.Message) (string, error)
}

// Binding ties a task to a chat model and its sampling options.
type Binding struct {
	Model   model.BaseChatModel
	Options []model.Option
}

// Service streams completions through eino chat models, draining each stream
// into one string. Attempts are bounded by a timeout and retried with
// exponential backoff.
type Service struct {
	bindings map[string]Binding
	timeout  time.Duration
	attempts int
	backoff  func() backoff.BackOff
}

const maxRetryInterval = 10 * time.Second

// New builds a Service from explicit task bindings.
func New(bindings map[string]Binding, timeout time.Duration, attempts int) *Service {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Service{
		bindings: bindings,
		timeout:  timeout,
		attempts: attempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = maxRetryInterval
			return b
		},
	}
}

// MaxCallDuration bounds how long one Complete call can run: every attempt
// timing out plus the longest wait between attempts.
func (s *Service) MaxCallDuration() time.Duration {
	return time.Duration(s.attempts)*s.timeout + time.Duration(s.attempts-1)*maxRetryInterval
}

// NewService creates one chat model per provider/model pair named by the
// configured tasks and binds every task to it.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	chatModels := make(map[string]model.BaseChatModel)
	bindings := make(map[string]Binding, len(cfg.Tasks))
	for name, task := range cfg.Tasks {
		provCfg, ok := cfg.Providers[task.Provider]
		if !ok {
			return nil, fmt.Errorf("task %s: provider %s not configured", name, task.Provider)
		}
		key := task.Provider + "/" + task.Model
		chatModel, ok := chatModels[key]
		if !ok {
			var err error
			chatModel, err = newChatModel(ctx, provCfg, task)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", name, err)
			}
			chatModels[key] = chatModel
		}
		bindings[name] = Binding{Model: chatModel, Options: taskOptions(task)}
	}
	basic := cfg.BasicConfig
	return New(bindings, time.Duration(basic.CompletionTimeoutSeconds)*time.Second, basic.CompletionAttempts), nil
}

func newChatModel(ctx context.Context, provCfg config.ProviderConfig, task config.TaskConfig) (model.BaseChatModel, error) {
	modelType := task.Model
	if modelType == "" {
		modelType = provCfg.Model
	}
	switch strings.ToLower(provCfg.Type) {
	case "openai", "groq":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		maxTokens := task.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 1024
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider type: %s", provCfg.Type)
	}
}

func taskOptions(task config.TaskConfig) []model.Option {
	opts := []model.Option{model.WithModel(task.Model)}
	if task.Temperature != nil {
		opts = append(opts, model.WithTemperature(*task.Temperature))
	}
	if task.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(task.MaxTokens))
	}
	if task.TopP != nil {
		opts = append(opts, model.WithTopP(*task.TopP))
	}
	return opts
}

// Complete streams the task's model over messages and returns the whole text.
// Cancellation of ctx is returned as is and never retried.
func (s *Service) Complete(ctx context.Context, task string, messages []*schema.Message) (string, error) {
	binding, ok := s.bindings[task]
	if !ok || binding.Model == nil {
		return "", fmt.Errorf("%w: task %s not configured", ErrCompletion, task)
	}

	attempt := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := s.stream(ctx, binding, messages)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if !transient(err) {
			log.Printf("ai %s attempt %d rejected: %v", task, attempt, err)
			return "", backoff.Permanent(err)
		}
		log.Printf("ai %s attempt %d/%d failed: %v", task, attempt, s.attempts, err)
		return "", err
	},
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(uint(s.attempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: %w", ErrCompletion, task, err)
	}
	return text, nil
}

func (s *Service) stream(ctx context.Context, binding Binding, messages []*schema.Message) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sr, err := binding.Model.Stream(attemptCtx, messages, binding.Options...)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	return Drain(sr)
}

// Drain reads fragments until the stream ends and returns their concatenation.
// The reader is always closed.
func Drain(sr *schema.StreamReader[*schema.Message]) (string, error) {
	defer sr.Close()
	var b strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}
		if chunk != nil {
			b.WriteString(chunk.Content)
		}
	}
}

// ConvertMessages maps stored messages onto eino schema messages.
func ConvertMessages(history []models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}
