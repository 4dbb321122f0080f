package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"narrachat/internal/models"
	"narrachat/internal/storage"

	"golang.org/x/sync/errgroup"
)

// runTurn executes append, respond, extract and synthesize for one user line.
// Failures before the reply is stored abort the turn. Later steps only abort
// on store failures or cancellation; anything else becomes a warning.
func (m *Manager) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	id := req.ConversationID
	res := &TurnResult{ConversationID: id}

	if err := m.conv.CreateConversation(ctx, id); err != nil {
		return nil, err
	}
	msg, err := m.conv.AddUserMessage(ctx, id, req.Content)
	res.UserMessage = msg
	if err != nil {
		return res, err
	}
	reply, err := m.conv.GenerateAssistantResponse(ctx, id, req.WindowSize)
	if err != nil {
		return res, err
	}
	res.Reply = reply

	var (
		mu       sync.Mutex
		warnings []string
	)
	// step reports fatal errors and records the rest as warnings.
	step := func(name string, err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrUnavailable) || ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Printf("turn %s: %s skipped: %v", id, name, err)
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
		mu.Unlock()
		return nil
	}

	extractEnvironment := func(ctx context.Context) error {
		if m.envs == nil {
			return nil
		}
		envRes, err := m.envs.ProcessLatestMessage(ctx, id)
		if err == nil && envRes.Created {
			res.Environment = envRes.Environment
		}
		return step("environment extraction", err)
	}
	extractCharacters := func(ctx context.Context) error {
		if m.chars == nil {
			return nil
		}
		found, err := m.chars.ProcessLatestMessage(ctx, id)
		res.Characters = found
		return step("character extraction", err)
	}

	if m.opts.ParallelExtraction {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return extractEnvironment(gctx) })
		g.Go(func() error { return extractCharacters(gctx) })
		if err := g.Wait(); err != nil {
			res.Warnings = warnings
			return res, err
		}
	} else {
		if err := extractEnvironment(ctx); err != nil {
			res.Warnings = warnings
			return res, err
		}
		if err := extractCharacters(ctx); err != nil {
			res.Warnings = warnings
			return res, err
		}
	}

	if m.stats != nil {
		created, err := m.stats.CheckForNewCharacters(ctx)
		res.Stats = created
		if err := step("stat synthesis", err); err != nil {
			res.Warnings = warnings
			return res, err
		}
	}
	if res.Characters == nil {
		res.Characters = []models.Character{}
	}
	if res.Stats == nil {
		res.Stats = []models.StatRecord{}
	}
	res.Warnings = warnings
	return res, nil
}
