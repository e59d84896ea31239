package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CJackHwang/HeyMean-sub000/internal/cache"
	"github.com/CJackHwang/HeyMean-sub000/internal/chat"
	"github.com/CJackHwang/HeyMean-sub000/internal/config"
	"github.com/CJackHwang/HeyMean-sub000/internal/model"
	"github.com/CJackHwang/HeyMean-sub000/internal/preview"
	"github.com/CJackHwang/HeyMean-sub000/internal/provider"
	"github.com/CJackHwang/HeyMean-sub000/internal/storage"
	"github.com/CJackHwang/HeyMean-sub000/internal/stream"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "heymean",
		Short:         "HeyMean - streaming AI chat in your terminal",
		Long:          "HeyMean is a local-first AI chat client.\nIt streams model responses live, separates the model's reasoning from its answer,\nand keeps every conversation in a local database.",
		RunE:          runChat,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("provider", "p", "", "AI provider (gemini, openai)")
	rootCmd.PersistentFlags().StringP("model", "m", "", "Model to use")
	rootCmd.Flags().StringP("conversation", "c", "", "Resume an existing conversation by id")

	rootCmd.AddCommand(
		listCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session bundles everything a command needs after wiring.
type session struct {
	cfg      *config.Config
	store    *storage.Store
	manager  *chat.Manager
	previews *preview.Lifecycle
	logger   zerolog.Logger
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if p, _ := cmd.Flags().GetString("provider"); p != "" {
		cfg.Provider = p
	}
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Model = m
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	kind, err := cfg.ProviderKind()
	if err != nil {
		return nil, err
	}
	adapter, err := provider.New(kind, cfg.Settings())
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	previews, err := preview.NewLifecycle(cfg.PreviewDir(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	pages := cache.New(store, cfg.PageSize, logger)
	streams := stream.NewController(logger)
	streamCfg := stream.Config{
		Adapter:     adapter,
		Model:       cfg.DefaultModel(kind),
		System:      cfg.SystemPrompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	notifier := chat.NotifierFunc(func(severity chat.Severity, text string) {
		fmt.Fprintf(os.Stderr, "\n[%s] %s\n", severity, text)
	})
	manager := chat.NewManager(store, pages, streams, streamCfg, notifier, logger)

	return &session{cfg: cfg, store: store, manager: manager, previews: previews, logger: logger}, nil
}

func (s *session) close() {
	s.previews.RevokeAll()
	s.store.Close()
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	conversationID, _ := cmd.Flags().GetString("conversation")
	if conversationID != "" {
		entry, err := s.manager.Messages(cmd.Context(), conversationID)
		if err != nil {
			return err
		}
		msgs := make([]model.Message, len(entry.Messages))
		copy(msgs, entry.Messages)
		s.previews.Augment(msgs)
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(msgs[i])
		}
	}

	// First interrupt cancels the active stream, the loop keeps running.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			s.manager.Cancel()
			fmt.Fprintln(os.Stderr, "\n(stream cancelled)")
		}
	}()

	printer := newStreamPrinter(os.Stdout)
	s.manager.SetHooks(chat.Hooks{
		OnUpdate: printer.update,
		OnRemove: func(string) { printer.reset() },
	})

	fmt.Println("HeyMean. Type a message, or /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := s.runCommand(cmd.Context(), line, &conversationID, printer)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		printer.reset()
		id, err := s.manager.Send(cmd.Context(), conversationID, line, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		conversationID = id
		fmt.Println()
	}
}

func (s *session) runCommand(ctx context.Context, line string, conversationID *string, printer *streamPrinter) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/regenerate":
		if *conversationID == "" {
			return false, fmt.Errorf("no active conversation")
		}
		entry, err := s.manager.Messages(ctx, *conversationID)
		if err != nil {
			return false, err
		}
		for _, msg := range entry.Messages { // newest first
			if msg.Sender == model.SenderAI {
				printer.reset()
				err := s.manager.Regenerate(ctx, msg.ID)
				fmt.Println()
				return false, err
			}
		}
		return false, fmt.Errorf("nothing to regenerate")
	case "/new":
		*conversationID = ""
		fmt.Println("Started a new conversation.")
		return false, nil
	case "/clear":
		if *conversationID == "" {
			return false, fmt.Errorf("no active conversation")
		}
		return false, s.manager.ClearConversation(ctx, *conversationID)
	case "/list":
		convs, err := s.manager.Conversations(ctx)
		if err != nil {
			return false, err
		}
		printConversations(convs)
		return false, nil
	case "/pin", "/unpin":
		if *conversationID == "" {
			return false, fmt.Errorf("no active conversation")
		}
		return false, s.manager.SetPinned(ctx, *conversationID, fields[0] == "/pin")
	case "/help":
		fmt.Println("Commands: /new /regenerate /clear /list /pin /unpin /quit (Ctrl-C cancels a running stream)")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			convs, err := s.manager.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			printConversations(convs)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("heymean %s\n", version)
		},
	}
}

func printConversations(convs []model.Conversation) {
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return
	}
	for _, c := range convs {
		pin := "  "
		if c.IsPinned {
			pin = "* "
		}
		fmt.Printf("%s%s  %s  (%s)\n", pin, c.ID, c.Title, c.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func printMessage(msg model.Message) {
	prefix := "you"
	if msg.Sender == model.SenderAI {
		prefix = "ai "
	}
	fmt.Printf("%s | %s\n", prefix, msg.Text)
	for _, att := range msg.Attachments {
		if att.Preview != "" {
			fmt.Printf("    [%s -> %s]\n", att.Name, att.Preview)
		}
	}
}

// streamPrinter turns snapshot updates into incremental terminal output.
type streamPrinter struct {
	out          *os.File
	thinkingSeen bool
	thinkingDone bool
	printed      int
}

func newStreamPrinter(out *os.File) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) reset() {
	p.thinkingSeen = false
	p.thinkingDone = false
	p.printed = 0
}

func (p *streamPrinter) update(msg model.Message) {
	if msg.ThinkingText != "" && !p.thinkingSeen {
		p.thinkingSeen = true
		fmt.Fprint(p.out, "(thinking...) ")
	}
	if msg.IsThinkingDone && p.thinkingSeen && !p.thinkingDone {
		p.thinkingDone = true
		fmt.Fprintf(p.out, "done in %s\n", msg.ThinkingDuration.Round(10*time.Millisecond))
	}
	if len(msg.Text) > p.printed {
		fmt.Fprint(p.out, msg.Text[p.printed:])
		p.printed = len(msg.Text)
	}
}
