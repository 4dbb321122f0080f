package conversation

import (
	"context"
	"fmt"
	"strings"

	"narrachat/internal/config"
	"narrachat/internal/models"

	"github.com/cloudwego/eino/schema"
)

// summaryWindow is how many recent non-system messages feed one summary.
const summaryWindow = 10

const freshSummaryPrompt = "Summarize the following conversation, keeping the important information and ignoring irrelevant details. The summary should not exceed 1024 tokens:\n\n"

func (c *Controller) checkAndCreateSummary(ctx context.Context, conversationID string) error {
	msgs, err := c.store.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summary check: %w", err)
	}
	recent := nonSystem(msgs)
	if !shouldSummarize(len(recent), c.opts.SummaryInterval) {
		return nil
	}

	prev, err := c.store.LatestSummary(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summary check: %w", err)
	}
	if len(recent) > summaryWindow {
		recent = recent[len(recent)-summaryWindow:]
	}
	system, user := summaryPrompt(prev, recent)
	text, err := c.completer.Complete(ctx, config.TaskSummary, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(user),
	})
	if err != nil {
		return fmt.Errorf("summarize %s: %w", conversationID, err)
	}
	if _, err := c.store.InsertSummary(ctx, conversationID, text); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

// shouldSummarize fires right after the 1st, (1+interval)th, (1+2*interval)th
// non-system message, i.e. when count mod interval is 1. An interval of 1
// therefore never fires.
func shouldSummarize(count, interval int) bool {
	if count <= 0 || interval <= 0 {
		return false
	}
	return count%interval == 1
}

func summaryPrompt(prev *models.Summary, recent []models.Message) (string, string) {
	system := freshSummaryPrompt
	if prev != nil {
		system = "This is the previous summary of the conversation:\n" +
			prev.Summary + "\n\n" +
			"Using the information above, create a new summary incorporating only the most relevant details from the conversation below:\n\n"
	}
	var user strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&user, "%s: %s\n", m.Role.Title(), m.Content)
	}
	return system, user.String()
}

func nonSystem(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
