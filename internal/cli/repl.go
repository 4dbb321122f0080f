package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"narrachat/internal/storage"
	"narrachat/internal/worker"
)

const exitCommand = "exit"

// TurnRunner executes one conversation turn.
type TurnRunner interface {
	Turn(ctx context.Context, req worker.TurnRequest) (*worker.TurnResult, error)
}

// runREPL reads user lines from in until EOF or "exit" and prints each reply.
// Turn failures are reported and the loop continues, except when the store is
// unavailable or ctx is done.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, conversationID string, turns TurnRunner) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, exitCommand) {
			fmt.Fprintln(out, "Exiting conversation.")
			return nil
		}

		res, err := turns.Turn(ctx, worker.TurnRequest{ConversationID: conversationID, Content: input})
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) || ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "Game Master: %s\n", res.Reply)
		for _, w := range res.Warnings {
			log.Printf("turn %s: %s", conversationID, w)
		}
	}
}
