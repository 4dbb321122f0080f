package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type turnTask struct {
	ctx      context.Context
	req      TurnRequest
	resultCh chan workerReturn
}

type workerReturn struct {
	result *TurnResult
	err    error
}

// conversationState is the queue and bookkeeping of one conversation worker.
type conversationState struct {
	taskCh   chan turnTask
	stopCh   chan struct{}
	stopOnce sync.Once

	turns      atomic.Int64
	lastActive atomic.Int64
}

func newConversationState() *conversationState {
	s := &conversationState{
		taskCh: make(chan turnTask, queueLen),
		stopCh: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *conversationState) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *conversationState) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *conversationState) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// drain answers every queued task with err.
func (s *conversationState) drain(err error) {
	for {
		select {
		case task := <-s.taskCh:
			task.resultCh <- workerReturn{err: err}
		default:
			return
		}
	}
}
