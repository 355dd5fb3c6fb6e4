package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
)

var (
	chatSession string
	chatVerbose bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the agent from the terminal",
	Long: `Send one message, or start an interactive session when no message is given.
In interactive mode "/clear" resets the conversation, "/exit" quits and Ctrl-C
aborts the running turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "cli", "session id")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "show reasoning and tool events")
	rootCmd.AddCommand(chatCmd)
}

// chatService is the part of the orchestrator the terminal needs.
type chatService interface {
	ChatStream(ctx context.Context, sessionID, message string, opts *orchestrator.ChatOptions) *agent.Stream
	ClearSession(ctx context.Context, sessionID string) error
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// keep the terminal for the conversation unless asked otherwise
	if f := cmd.Flags().Lookup("log-level"); f == nil || !f.Changed {
		cfg.Logging.Level = "error"
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	app, err := NewApp(cfg, log.Zerolog())
	if err != nil {
		return err
	}
	defer app.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		return chatOnce(cmd.Context(), app.Orchestrator, out, chatSession, strings.Join(args, " "), chatVerbose)
	}
	return chatREPL(cmd.Context(), app.Orchestrator, cmd.InOrStdin(), out, chatSession, chatVerbose)
}

func chatREPL(ctx context.Context, svc chatService, in io.Reader, out io.Writer, sessionID string, verbose bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := svc.ClearSession(ctx, sessionID); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				fmt.Fprintln(out, "(conversation cleared)")
			}
			continue
		}
		if err := chatOnce(ctx, svc, out, sessionID, line, verbose); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// chatOnce streams one turn to out. Ctrl-C cancels only this turn.
func chatOnce(ctx context.Context, svc chatService, out io.Writer, sessionID, message string, verbose bool) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	stream := svc.ChatStream(turnCtx, sessionID, message, nil)
	defer stream.Close()

	wroteText := false
	for ev := range stream.Events() {
		switch ev.Type {
		case agent.EventThinking:
			if verbose && ev.Content != "" {
				fmt.Fprintf(out, "[thinking] %s\n", ev.Content)
			}
		case agent.EventToolCall:
			if verbose {
				fmt.Fprintf(out, "[tool] %s %v\n", ev.Content, ev.Metadata[agent.MetaArguments])
			}
		case agent.EventToolResult:
			if verbose {
				fmt.Fprintf(out, "[result] %s\n", ev.Content)
			}
		case agent.EventText:
			fmt.Fprint(out, ev.Content)
			wroteText = true
		case agent.EventComplete:
			if !wroteText {
				fmt.Fprint(out, ev.Content)
			}
			fmt.Fprintln(out)
			return nil
		case agent.EventError:
			if wroteText {
				fmt.Fprintln(out)
			}
			return fmt.Errorf("%s", ev.Content)
		}
	}
	return nil
}
