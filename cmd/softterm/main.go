package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"softterminal/internal/delivery"
	"softterminal/internal/integrations/relay"
	"softterminal/internal/journal"
	"softterminal/internal/terminal"
)

type options struct {
	configPath string
	apiURL     string
	idle       time.Duration
	timeout    time.Duration
	logLevel   string
	localLog   bool
	journal    string
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:          "softterm",
		Short:        "A kid-friendly question terminal",
		Long:         "Asks the answer relay questions and shows answers a few sentences at a time.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(cmd.Context(), opts)
		},
	}
	registerFlags(root, opts)
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		return applyConfig(cmd, cfg)
	}

	root.AddCommand(healthCmd(opts), logsCmd(opts), journalCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func registerFlags(root *cobra.Command, opts *options) {
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("SOFTTERM_CONFIG"), "YAML config file")
	pf.StringVar(&opts.apiURL, "api-url", envOr("SOFTTERM_API_URL", "http://localhost:8000"), "Base URL of the answer relay")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.journal, "journal", "", "SQLite file that keeps a local copy of completed exchanges")
	root.Flags().DurationVar(&opts.idle, "idle", delivery.DefaultIdleDelay, "Idle time before a new suggestion is offered")
	root.Flags().BoolVar(&opts.localLog, "local-log", false, "Log completed exchanges locally instead of posting them to the relay")
}

func runREPL(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	client, err := relay.NewClient(opts.apiURL, relay.WithTimeout(opts.timeout))
	if err != nil {
		return err
	}

	sinks := delivery.MultiSink{client}
	if opts.localLog {
		sinks = delivery.MultiSink{delivery.SlogSink{Logger: logger}}
	}
	if opts.journal != "" {
		j, err := journal.Open(opts.journal)
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		sinks = append(sinks, j)
	}
	m, err := delivery.New(client,
		delivery.WithLogSink(sinks),
		delivery.WithIdleDelay(opts.idle),
		delivery.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	repl, err := terminal.New(m, os.Stdout)
	if err != nil {
		return err
	}
	return repl.Run(ctx, os.Stdin)
}

func healthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the relay is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := relay.NewClient(opts.apiURL, relay.WithTimeout(opts.timeout))
			if err != nil {
				return err
			}
			if err := client.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func logsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Print the logged exchanges of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := relay.NewClient(opts.apiURL, relay.WithTimeout(opts.timeout))
			if err != nil {
				return err
			}
			logs, err := client.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ex := range logs {
				fmt.Fprintf(out, "%s  %s\n  -> %s\n", ex.Timestamp.Local().Format(time.DateTime), ex.Question, ex.Response)
			}
			if len(logs) == 0 {
				fmt.Fprintln(out, "no exchanges logged")
			}
			return nil
		},
	}
}

func journalCmd(opts *options) *cobra.Command {
	var (
		session string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print exchanges kept in the local journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.journal == "" {
				return errors.New("no journal configured, pass --journal")
			}
			j, err := journal.Open(opts.journal)
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			entries, err := j.Recent(cmd.Context(), session, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ex := range entries {
				fmt.Fprintf(out, "%s  [%s] %s\n  -> %s\n", ex.CompletedAt.Local().Format(time.DateTime), ex.SessionID, ex.Question, ex.Answer)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "journal is empty")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Only show this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of exchanges to show")
	return cmd
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
