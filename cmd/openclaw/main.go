// openclaw runs the Linear dispatch engine: it registers issues into the
// worker/audit/verdict pipeline, supervises agent runs with an inactivity
// watchdog, and keeps a background monitor sweeping for wedged work.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calltelemetry/openclaw"
	"github.com/calltelemetry/openclaw/agents"
	"github.com/calltelemetry/openclaw/dispatch"
	"github.com/calltelemetry/openclaw/internal/db"
	"github.com/calltelemetry/openclaw/notify"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file path")
		statePath   = flag.String("state", "", "Dispatch state file path (default ~/.openclaw/linear-dispatch-state.json)")
		dbPath      = flag.String("db", "openclaw.db", "SQLite database path for the audit log")
		promptsDir  = flag.String("prompts", "prompts", "Prompt templates directory")
		webhookURL  = flag.String("webhook", "", "Notification webhook URL (optional)")
		model       = flag.String("model", "", "Model override passed to the agent backend")
		verbose     = flag.Bool("verbose", false, "Verbose output, including agent stdout")
		showVersion = flag.Bool("version", false, "Show version")
		showStatus  = flag.Bool("status", false, "Print dispatch state and exit")

		// One-shot dispatch mode.
		doDispatch = flag.String("dispatch", "", "Dispatch an issue by identifier and run its pipeline")
		issueID    = flag.String("issue-id", "", "Tracker issue id for -dispatch")
		title      = flag.String("title", "", "Issue title for -dispatch")
		desc       = flag.String("description", "", "Issue description for -dispatch")
		worktree   = flag.String("worktree", "", "Worktree path for -dispatch")
		branch     = flag.String("branch", "", "Branch name for -dispatch")
		tier       = flag.String("tier", string(dispatch.TierJunior), "Complexity tier for -dispatch")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("openclaw %s (commit: %s)\n", version, gitCommit)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := openclaw.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if *statePath != "" {
		cfg.DispatchStatePath = *statePath
	}

	store := dispatch.NewFileStore(cfg.DispatchStatePath)

	if *showStatus {
		printStatus(store)
		return
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	side := db.NewStore(database)

	if n, err := side.PruneAuditEntries(30 * 24 * time.Hour); err != nil {
		logger.Warn("audit log pruning failed", "error", err)
	} else if n > 0 {
		logger.Info("pruned old audit log entries", "count", n)
	}

	// Runner stack: claude CLI, audited.
	cli := agents.NewCLIRunner(*model, *verbose)
	for _, p := range cli.ValidateEnvironment() {
		logger.Warn("environment issue", "problem", p)
	}
	runner := agents.NewAuditingRunner(cli, agents.NewStoreAuditLogger(side))

	watchdogCfg := cfg.WatchdogConfig()
	wrapper := agents.NewWrapper(runner, side, &watchdogCfg, logger)

	var notifier openclaw.Notifier = notify.NewLogNotifier(logger)
	if *webhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(*webhookURL, logger)}
	}

	registry := dispatch.NewRegistry()
	if st, err := store.Read(); err == nil {
		registry.HydrateFromStore(st)
	} else {
		logger.Warn("could not hydrate session registry", "error", err)
	}

	prompts := agents.NewTemplateBuilder(*promptsDir)
	if problems := prompts.ValidatePrompts(); len(problems) > 0 {
		for _, p := range problems {
			logger.Warn("environment issue", "problem", p)
		}
	}

	tracker := &consoleTracker{logger: logger}
	engine := openclaw.NewEngine(store, registry, tracker, wrapper, notifier, prompts, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *doDispatch != "" {
		draft := dispatch.ActiveDispatch{
			IssueID:      *issueID,
			Identifier:   *doDispatch,
			Branch:       *branch,
			WorktreePath: *worktree,
			Tier:         dispatch.Tier(*tier),
			Model:        *model,
		}
		issue := openclaw.IssueContext{
			Identifier:  *doDispatch,
			Title:       *title,
			Description: *desc,
		}
		if err := engine.Dispatch(ctx, draft, issue); err != nil {
			fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Long-lived mode: run the background monitor until interrupted. Webhook
	// wiring that feeds Dispatch and the hook adapter lives outside this
	// binary.
	monitor := openclaw.NewMonitor(engine)
	monitor.Run(ctx)
}

func printStatus(store *dispatch.FileStore) {
	st, err := store.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read state: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("State: %s\n", store.Path())
	fmt.Printf("Active dispatches: %d\n", len(st.Dispatches.Active))
	for id, d := range st.Dispatches.Active {
		fmt.Printf("  %-12s %-10s attempt=%d tier=%s dispatched=%s\n",
			id, d.Status, d.Attempt, d.Tier, d.DispatchedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("Completed dispatches: %d\n", len(st.Dispatches.Completed))
	for id, c := range st.Dispatches.Completed {
		fmt.Printf("  %-12s %-10s attempts=%d completed=%s\n",
			id, c.Status, c.TotalAttempts, c.CompletedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("Session mappings: %d, processed events: %d\n", len(st.SessionMap), len(st.ProcessedEvents))
}

// consoleTracker is the stand-in IssueTracker for CLI operation: the real
// Linear transport plugs in behind the same port.
type consoleTracker struct {
	logger *slog.Logger
}

func (t *consoleTracker) FetchIssue(ctx context.Context, issueID string) (*openclaw.Issue, error) {
	return &openclaw.Issue{ID: issueID, Identifier: issueID}, nil
}

func (t *consoleTracker) PostComment(ctx context.Context, issueID, markdown string) error {
	t.logger.Info("issue comment", "issue", issueID, "comment", markdown)
	return nil
}

func (t *consoleTracker) EmitActivity(sessionID string, activity agents.Activity) error {
	t.logger.Debug("agent activity",
		"session", sessionID,
		"type", activity.Type,
		"body", activity.Body,
		"action", activity.Action)
	return nil
}
