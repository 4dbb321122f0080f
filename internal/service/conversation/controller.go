package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"narrachat/internal/config"
	"narrachat/internal/models"
	"narrachat/internal/service/ai"
	"narrachat/internal/storage"
)

// Store is the slice of the document store the controller depends on.
type Store interface {
	ConversationExists(ctx context.Context, conversationID string) (bool, error)
	AppendMessage(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	LatestSummary(ctx context.Context, conversationID string) (*models.Summary, error)
	InsertSummary(ctx context.Context, conversationID, text string) (*models.Summary, error)
}

type Options struct {
	// WindowSize is the number of non-system messages sent with each chat request.
	WindowSize int
	// SummaryInterval checkpoints the conversation after message 1, 1+n, 1+2n, ...
	SummaryInterval int
	SystemPrompt    string
}

// Controller owns message appends, context windowing and the periodic
// summarization checkpoint of conversations.
type Controller struct {
	store     Store
	completer ai.Completer
	opts      Options
}

func NewController(store Store, completer ai.Completer, opts Options) *Controller {
	if opts.WindowSize <= 0 {
		opts.WindowSize = config.DefaultWindowSize
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = config.DefaultSummaryInterval
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = config.DefaultSystemPrompt
	}
	return &Controller{store: store, completer: completer, opts: opts}
}

// CreateConversation starts a conversation with the system prompt. It is a
// no-op for a conversation that already exists.
func (c *Controller) CreateConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	exists, err := c.store.ConversationExists(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", conversationID, err)
	}
	if exists {
		return nil
	}
	if _, err := c.append(ctx, conversationID, models.RoleSystem, c.opts.SystemPrompt); err != nil {
		return fmt.Errorf("create conversation %s: %w", conversationID, err)
	}
	return nil
}

// AddUserMessage appends a user message and runs the summarization check.
func (c *Controller) AddUserMessage(ctx context.Context, conversationID, text string) (*models.Message, error) {
	msg, err := c.append(ctx, conversationID, models.RoleUser, text)
	if err != nil {
		return msg, fmt.Errorf("add user message: %w", err)
	}
	return msg, nil
}

// GenerateAssistantResponse asks the chat model to continue the conversation
// from its current window and stores the reply. n <= 0 uses the configured
// window size.
func (c *Controller) GenerateAssistantResponse(ctx context.Context, conversationID string, n int) (string, error) {
	window, err := c.ConversationMessages(ctx, conversationID, n)
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	if len(window) == 0 {
		return "", fmt.Errorf("generate response for %s: %w", conversationID, storage.ErrNoMessages)
	}
	reply, err := c.completer.Complete(ctx, config.TaskChat, ai.ConvertMessages(window))
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	if _, err := c.append(ctx, conversationID, models.RoleAssistant, reply); err != nil {
		return reply, fmt.Errorf("store response: %w", err)
	}
	return reply, nil
}

// ConversationMessages returns the first system message, if any, followed by
// the last n non-system messages in their original order.
func (c *Controller) ConversationMessages(ctx context.Context, conversationID string, n int) ([]models.Message, error) {
	if n <= 0 {
		n = c.opts.WindowSize
	}
	all, err := c.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return window(all, n), nil
}

func window(all []models.Message, n int) []models.Message {
	var (
		system *models.Message
		rest   = make([]models.Message, 0, len(all))
	)
	for i := range all {
		if all[i].Role == models.RoleSystem {
			if system == nil {
				system = &all[i]
			}
			continue
		}
		rest = append(rest, all[i])
	}
	if len(rest) > n {
		rest = rest[len(rest)-n:]
	}
	if system == nil {
		return rest
	}
	return append([]models.Message{*system}, rest...)
}

// DisplayConversation lists the stored messages in insertion order. Each range
// over the sequence reads the store again.
func (c *Controller) DisplayConversation(ctx context.Context, conversationID string) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		msgs, err := c.store.Messages(ctx, conversationID)
		if err != nil {
			yield(models.Message{}, err)
			return
		}
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// FormatMessage renders one transcript line.
func FormatMessage(m models.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format("2006-01-02 15:04:05.000000"), m.Role, m.Content)
}

func (c *Controller) append(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error) {
	msg, err := c.store.AppendMessage(ctx, conversationID, role, content)
	if err != nil {
		return nil, err
	}
	if err := c.checkAndCreateSummary(ctx, conversationID); err != nil {
		return msg, err
	}
	return msg, nil
}
