// Package cli exposes the narrachat commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"narrachat/internal/api"
	"narrachat/internal/service/conversation"
)

var (
	configPath       string
	conversationFlag string
)

var rootCmd = &cobra.Command{
	Use:           "narrachat",
	Short:         "narrachat - interactive narrative chat with a game master",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the game master in the terminal",
	RunE:  runChat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored messages of a conversation",
	RunE:  runHistory,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (json or yaml)")
	chatCmd.Flags().StringVar(&conversationFlag, "conversation", "", "Conversation id (defaults to basic_config.conversation_id)")
	historyCmd.Flags().StringVar(&conversationFlag, "conversation", "", "Conversation id (defaults to basic_config.conversation_id)")
	rootCmd.AddCommand(chatCmd, historyCmd, serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) conversationID() string {
	if conversationFlag != "" {
		return conversationFlag
	}
	return a.cfg.BasicConfig.ConversationID
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	id := a.conversationID()
	if err := a.conv.CreateConversation(ctx, id); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "narrachat conversation %s (type 'exit' to quit)\n", id)
	return runREPL(ctx, cmd.InOrStdin(), out, id, a.turns)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return printHistory(ctx, cmd.OutOrStdout(), a.conv, a.conversationID())
}

func printHistory(ctx context.Context, out io.Writer, conv *conversation.Controller, id string) error {
	for msg, err := range conv.DisplayConversation(ctx, id) {
		if err != nil {
			return err
		}
		fmt.Fprintln(out, conversation.FormatMessage(msg))
	}
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	router := gin.Default()
	api.NewHandler(a.conv, a.turns, a.store).RegisterRoutes(router)

	addr := a.cfg.BasicConfig.ServerAddress
	log.Printf("listening on %s", addr)
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(addr) }()
	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
		log.Printf("shutting down")
		return nil
	}
}
