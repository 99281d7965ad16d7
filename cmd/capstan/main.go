// Command capstan runs the workflow control plane: a daemon that recovers
// interrupted workflows and executes new ones, plus operator subcommands
// that act on the same embedded database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/capstan/pkg/approval"
	"github.com/Mindburn-Labs/capstan/pkg/audit"
	"github.com/Mindburn-Labs/capstan/pkg/capabilities/fsops"
	"github.com/Mindburn-Labs/capstan/pkg/config"
	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/engine"
	"github.com/Mindburn-Labs/capstan/pkg/observability"
	"github.com/Mindburn-Labs/capstan/pkg/policy"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "submit":
		return runSubmit(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "approve":
		return runDecision(args[2:], contracts.ApprovalApproved, stdout, stderr)
	case "reject":
		return runDecision(args[2:], contracts.ApprovalRejected, stdout, stderr)
	case "cancel":
		return runCancel(args[2:], stdout, stderr)
	case "audit":
		return runAuditExport(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: capstan <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the control plane daemon (default)")
	fmt.Fprintln(w, "  submit    Submit a workflow YAML file and start it (--file)")
	fmt.Fprintln(w, "  status    Show a workflow's status (--id)")
	fmt.Fprintln(w, "  approve   Approve a paused workflow (--id, --approver, --rationale)")
	fmt.Fprintln(w, "  reject    Reject a paused workflow (--id, --approver, --rationale)")
	fmt.Fprintln(w, "  cancel    Cancel a workflow (--id, --reason)")
	fmt.Fprintln(w, "  audit     Export a workflow's audit trail as an evidence archive (--id, --out)")
	fmt.Fprintln(w, "  help      Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// wiring is everything a command needs: the engine plus the collaborators
// worth reaching past it for.
type wiring struct {
	cfg       *config.Config
	store     *store.Store
	approvals *approval.Manager
	engine    *engine.Engine
	metrics   *observability.Provider
	logger    *slog.Logger
}

func buildWiring(ctx context.Context) (*wiring, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	var pol *policy.Engine
	if cfg.PolicyPath != "" {
		pol, err = policy.Load(cfg.PolicyPath)
	} else {
		// Fail-closed without a policy file: everything is denied until
		// an operator supplies rules.
		pol, err = policy.Parse([]byte("default: DENY\n"))
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registry.New()
	if err := fsops.New(".").Register(reg); err != nil {
		st.Close()
		return nil, err
	}

	approvalOpts := []approval.Option{
		approval.WithLogger(logger),
		approval.WithFailMode(approval.FailMode(cfg.WebhookFailMode)),
	}
	if cfg.ApprovalWebhookURL != "" {
		approvalOpts = append(approvalOpts,
			approval.WithNotifier(approval.NewWebhookNotifier(cfg.ApprovalWebhookURL, cfg.WebhookTimeout)))
	}
	approvals := approval.NewManager(st, approvalOpts...)

	metrics, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		st.Close()
		return nil, err
	}

	seq, head, err := st.LatestAuditAnchor(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	auditLog := audit.New(audit.WithLogger(logger), audit.WithSink(storeSink(st)), audit.WithHead(seq, head))

	eng := engine.New(st, reg, pol, approvals, auditLog,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithAutoResume(cfg.AutoResumeOnStartup),
	)
	return &wiring{cfg: cfg, store: st, approvals: approvals, engine: eng, metrics: metrics, logger: logger}, nil
}

func storeSink(st *store.Store) audit.Sink {
	return audit.SinkFunc(func(ctx context.Context, ev *contracts.AuditEvent) error {
		return st.AppendAuditEvent(ctx, ev)
	})
}

func (w *wiring) close(ctx context.Context) {
	if err := w.metrics.Shutdown(ctx); err != nil {
		w.logger.Warn("telemetry shutdown", "error", err)
	}
	if err := w.store.Close(); err != nil {
		w.logger.Warn("store close", "error", err)
	}
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(context.Background())

	if err := w.engine.RecoverOnStartup(ctx); err != nil {
		w.logger.Error("startup recovery failed", "error", err)
		return 1
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	w.logger.Info("capstan ready", "database", w.cfg.DatabasePath)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down")
			return 0
		case <-ticker.C:
			if n, err := w.approvals.ExpireOverdue(ctx); err != nil {
				w.logger.Warn("approval expiry sweep failed", "error", err)
			} else if n > 0 {
				w.logger.Info("approvals expired", "count", n)
			}
		}
	}
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "workflow YAML file (required)")
	start := fs.Bool("start", true, "start the workflow after submission")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "submit: --file is required")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}

	ctx := context.Background()
	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(ctx)

	id, err := w.engine.SubmitYAML(ctx, data)
	if err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "workflow_id: %s\n", id)

	if *start {
		if err := w.engine.Start(ctx, id); err != nil {
			fmt.Fprintf(stderr, "start: %v\n", err)
			return 1
		}
		return printSnapshot(ctx, w, id, stdout, stderr)
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "workflow id (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "status: --id is required")
		return 2
	}

	ctx := context.Background()
	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(ctx)
	return printSnapshot(ctx, w, *id, stdout, stderr)
}

func printSnapshot(ctx context.Context, w *wiring, id string, stdout, stderr io.Writer) int {
	snap, err := w.engine.Status(ctx, id)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "workflow_id: %s\nstatus: %s\ncompleted_steps: %d\n", snap.WorkflowID, snap.Status, len(snap.CompletedSteps))
	for _, name := range snap.CompletedSteps {
		fmt.Fprintf(stdout, "  - %s\n", name)
	}
	if snap.ErrorMessage != "" {
		fmt.Fprintf(stdout, "error: %s\n", snap.ErrorMessage)
	}
	return 0
}

func runDecision(args []string, decision contracts.ApprovalState, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(string(decision), flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "workflow id (required)")
	approver := fs.String("approver", "", "approver identity (required)")
	rationale := fs.String("rationale", "", "decision rationale")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *approver == "" {
		fmt.Fprintln(stderr, "approve/reject: --id and --approver are required")
		return 2
	}

	ctx := context.Background()
	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(ctx)

	if err := w.engine.Resume(ctx, *id, decision, *approver, *rationale); err != nil {
		fmt.Fprintf(stderr, "resume: %v\n", err)
		return 1
	}
	return printSnapshot(ctx, w, *id, stdout, stderr)
}

func runAuditExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "workflow id (required)")
	out := fs.String("out", "", "output archive path (default <id>.evidence.zip)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "audit: --id is required")
		return 2
	}
	if *out == "" {
		*out = *id + ".evidence.zip"
	}

	ctx := context.Background()
	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(ctx)

	archive, bundle, err := audit.NewExporter(w.store).Export(ctx, *id)
	if err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, archive, 0o600); err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "exported: %s\nevents: %d\nchain_head: %s\nchecksum: %s\n",
		*out, bundle.EventCount, bundle.ChainHead, bundle.Checksum)
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "workflow id (required)")
	reason := fs.String("reason", "operator request", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "cancel: --id is required")
		return 2
	}

	ctx := context.Background()
	w, err := buildWiring(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "capstan: %v\n", err)
		return 1
	}
	defer w.close(ctx)

	if err := w.engine.Cancel(ctx, *id, *reason); err != nil {
		fmt.Fprintf(stderr, "cancel: %v\n", err)
		return 1
	}
	return printSnapshot(ctx, w, *id, stdout, stderr)
}
