// chatkit is the one-shot CLI: it opens the session cache, talks to the
// messaging service directly and exits. The daemon (chatkitd) owns the
// long-lived realtime stream; both share the same store, serialized by
// the sqlite busy timeout and the engine gate.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/config"
	"github.com/talkwire/chatkit/internal/engine"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/session"
	"github.com/talkwire/chatkit/internal/store"
	"go.uber.org/zap"
)

var sessionFlag string

func main() {
	root := &cobra.Command{
		Use:           "chatkit",
		Short:         "Synchronized chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")

	root.AddCommand(
		syncCmd(),
		conversationsCmd(),
		historyCmd(),
		sendCmd(),
		readCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openEngine builds an engine against the session store and the
// configured service. The returned cleanup closes the store.
func openEngine() (*engine.Engine, func(), error) {
	sessionName := session.Resolve(sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config (run chatkitd once to create it): %w", err)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(session.DBPath(sessionName))
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	client := remote.NewHTTPClient(cfg.ServerURL, cfg.Token, nil)
	eng := engine.New(engine.Config{
		EventPageSize:               cfg.Engine.EventPageSize,
		MessagePageSize:             cfg.Engine.MessagePageSize,
		LazyLoadThreshold:           cfg.Engine.LazyLoadThreshold,
		MaxEventGap:                 cfg.Engine.MaxEventGap,
		GetConversationSleepTimeout: cfg.Engine.GetConversationSleepTimeout.Duration,
		GetConversationMaxRetry:     cfg.Engine.GetConversationMaxRetry,
	}, db, db, client, nil, nil, zap.NewNop())

	cleanup := func() { _ = db.Close() }
	return eng, cleanup, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local cache with the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()
			if err := eng.Synchronize(ctx); err != nil {
				return err
			}
			convs, err := eng.GetConversations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("synchronized %d conversations\n", len(convs))
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List cached conversations, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()
			convs, err := eng.GetConversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("no conversations; run chatkit sync first")
				return nil
			}
			for _, c := range convs {
				name := c.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%-36s  %-24s  %s\n", c.ID, name, formatTimestamp(c.LastMessageTimestamp))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var older bool
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show a conversation's cached messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()

			if older {
				if _, err := eng.GetPreviousMessages(ctx, args[0]); err != nil {
					return err
				}
			}
			detail, err := eng.GetConversationDetail(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range detail.Messages {
				fmt.Printf("[%s] %s: %s\n", formatTimestamp(m.SentOn), m.SenderID, renderParts(m.Parts))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&older, "older", false, "fetch one more page of older history first")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()
			body := strings.Join(args[1:], " ")
			m, err := eng.SendMessage(ctx, args[0], []chat.Part{{Kind: "text", Body: body}}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("sent %s (event %d)\n", m.ID, m.SentEventID)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark every message in a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()
			return eng.MarkAllRead(ctx, args[0])
		},
	}
}

func formatTimestamp(unixMilli int64) string {
	if unixMilli == 0 {
		return "-"
	}
	return time.UnixMilli(unixMilli).Local().Format("2006-01-02 15:04")
}

func renderParts(parts []chat.Part) string {
	var out []string
	for _, p := range parts {
		if p.Kind == "text" {
			out = append(out, p.Body)
		} else {
			out = append(out, fmt.Sprintf("[%s]", p.Kind))
		}
	}
	return strings.Join(out, " ")
}
