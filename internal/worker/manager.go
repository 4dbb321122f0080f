package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"narrachat/internal/models"
	"narrachat/internal/service/environment"
)

const queueLen = 16

var (
	// ErrQueueFull is returned when a conversation already has queueLen turns waiting.
	ErrQueueFull = errors.New("turn queue full")
	// ErrStopped is returned for turns still queued when their worker stops.
	ErrStopped = errors.New("worker stopped")
)

type ConversationRunner interface {
	CreateConversation(ctx context.Context, conversationID string) error
	AddUserMessage(ctx context.Context, conversationID, text string) (*models.Message, error)
	GenerateAssistantResponse(ctx context.Context, conversationID string, n int) (string, error)
}

type CharacterExtractor interface {
	ProcessLatestMessage(ctx context.Context, conversationID string) ([]models.Character, error)
}

type EnvironmentExtractor interface {
	ProcessLatestMessage(ctx context.Context, conversationID string) (environment.Result, error)
}

type StatSynthesizer interface {
	CheckForNewCharacters(ctx context.Context) ([]models.StatRecord, error)
}

type Options struct {
	// ParallelExtraction runs the character and environment passes concurrently.
	ParallelExtraction bool
	// IdleTimeout ends a conversation worker that received no turn for that long.
	IdleTimeout time.Duration
}

// TurnRequest is one line of user input for a conversation.
type TurnRequest struct {
	ConversationID string
	Content        string
	// WindowSize overrides the configured context window when positive.
	WindowSize int
}

// TurnResult collects what one turn produced. Warnings hold the failures of
// post-response steps that were skipped.
type TurnResult struct {
	ConversationID string              `json:"conversation_id"`
	UserMessage    *models.Message     `json:"user_message,omitempty"`
	Reply          string              `json:"reply"`
	Environment    *models.Environment `json:"environment,omitempty"`
	Characters     []models.Character  `json:"characters"`
	Stats          []models.StatRecord `json:"stats"`
	Warnings       []string            `json:"warnings,omitempty"`
}

// Manager runs turns through one goroutine per conversation, so the steps of
// a conversation never interleave while different conversations proceed
// independently.
type Manager struct {
	conv  ConversationRunner
	chars CharacterExtractor
	envs  EnvironmentExtractor
	stats StatSynthesizer
	opts  Options

	mu      sync.Mutex
	workers map[string]*conversationState
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(conv ConversationRunner, chars CharacterExtractor, envs EnvironmentExtractor, stats StatSynthesizer, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	return &Manager{
		conv:    conv,
		chars:   chars,
		envs:    envs,
		stats:   stats,
		opts:    opts,
		workers: make(map[string]*conversationState),
	}
}

// Turn queues req on its conversation's worker and waits for the result.
// Cancelling ctx stops the wait; a turn already running finishes its current
// step and aborts.
func (m *Manager) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	resultCh := make(chan workerReturn, 1)
	task := turnTask{ctx: ctx, req: req, resultCh: resultCh}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	state := m.ensureWorkerLocked(req.ConversationID)
	select {
	case state.taskCh <- task:
	default:
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	m.mu.Unlock()

	select {
	case ret := <-resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop ends the worker of one conversation. Queued turns fail with ErrStopped.
func (m *Manager) Stop(conversationID string) {
	m.mu.Lock()
	if state, ok := m.workers[conversationID]; ok {
		delete(m.workers, conversationID)
		state.stop()
	}
	m.mu.Unlock()
}

// Close stops every worker and waits for running turns to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, state := range m.workers {
		delete(m.workers, id)
		state.stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Active returns the number of live conversation workers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) ensureWorkerLocked(conversationID string) *conversationState {
	if state, ok := m.workers[conversationID]; ok {
		return state
	}
	state := newConversationState()
	m.workers[conversationID] = state
	m.wg.Add(1)
	go m.runWorker(conversationID, state)
	return state
}

func (m *Manager) runWorker(conversationID string, state *conversationState) {
	defer m.wg.Done()
	debugLog("worker %s started", conversationID)

	ticker := time.NewTicker(m.idleCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			state.drain(ErrStopped)
			log.Printf("worker for conversation %s stopped", conversationID)
			return
		case task := <-state.taskCh:
			select {
			case <-state.stopCh:
				task.resultCh <- workerReturn{err: ErrStopped}
				continue
			default:
			}
			state.touch()
			m.handleTurn(task, state)
			state.touch()
		case <-ticker.C:
			if state.idleFor() < m.opts.IdleTimeout {
				continue
			}
			// sends happen under m.mu, so an empty queue here stays empty
			m.mu.Lock()
			if len(state.taskCh) > 0 {
				m.mu.Unlock()
				continue
			}
			if m.workers[conversationID] == state {
				delete(m.workers, conversationID)
			}
			m.mu.Unlock()
			state.stop()
			debugLog("worker %s idle after %d turns, exiting", conversationID, state.turns.Load())
			return
		}
	}
}

func (m *Manager) idleCheckInterval() time.Duration {
	interval := m.opts.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (m *Manager) handleTurn(task turnTask, state *conversationState) {
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- workerReturn{err: err}
		return
	}
	debugLog("worker %s turn %d begin", task.req.ConversationID, state.turns.Load()+1)
	res, err := m.runTurn(ctx, task.req)
	state.turns.Add(1)
	debugLog("worker %s turn %d end err=%v", task.req.ConversationID, state.turns.Load(), err)
	task.resultCh <- workerReturn{result: res, err: err}
}
