package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/fieldcare/internal/app/runtime"
	"github.com/coachpo/fieldcare/internal/app/syncer"
	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/domain/wakestore"
	"github.com/coachpo/fieldcare/internal/observability"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued submissions once and exit",
	Long: `Dispatch outstanding wake registrations against the durable queue, the way the
background context does after a reconnect. With --force the queue is drained even
when no registration is outstanding.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().String("tag", "", "Wake tag to look for (defaults to background.wakeTag)")
	drainCmd.Flags().Bool("force", false, "Drain even without an outstanding wake registration")
}

func runDrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tag, _ := cmd.Flags().GetString("tag")
	force, _ := cmd.Flags().GetBool("force")
	if strings.TrimSpace(tag) == "" {
		tag = cfg.Background.WakeTag
	}

	rt, err := runtime.Build(ctx, cfg, runtime.Options{
		Logger: logger.Named("drain"),
		Source: events.SourceCommand,
	})
	if err != nil {
		return fmt.Errorf("build execution context: %w", err)
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("close execution context", observability.F("err", err))
		}
	}()
	if rt.Platform == nil {
		return fmt.Errorf("durable queue unavailable: %w", rt.Degraded())
	}

	out := cmd.OutOrStdout()
	regs, err := rt.Platform.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list wake registrations: %w", err)
	}
	switch {
	case hasTag(regs, tag):
		if err := rt.Platform.DispatchNow(ctx); err != nil {
			return fmt.Errorf("dispatch wake registrations: %w", err)
		}
		regs, err = rt.Platform.Pending(ctx)
		if err != nil {
			return fmt.Errorf("list wake registrations: %w", err)
		}
		if hasTag(regs, tag) {
			fmt.Fprintf(out, "wake %q still registered; a later dispatch will retry\n", tag)
		} else {
			fmt.Fprintf(out, "wake %q dispatched and cleared\n", tag)
		}
	case force:
		report, err := rt.Orchestrator.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain queue: %w", err)
		}
		printReport(out, report)
	default:
		fmt.Fprintf(out, "no wake registration for %q; nothing to do\n", tag)
	}

	pending, err := rt.Orchestrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	fmt.Fprintf(out, "%d submissions pending\n", pending)
	return nil
}

func hasTag(regs []wakestore.Registration, tag string) bool {
	for _, reg := range regs {
		if reg.Tag == tag {
			return true
		}
	}
	return false
}

func printReport(w io.Writer, report syncer.Report) {
	fmt.Fprintf(w, "pass %s: attempted=%d succeeded=%d failed=%d in %s\n",
		report.PassID, report.Attempted, report.Succeeded, report.Failed, report.Duration.Round(time.Millisecond))
	for _, id := range report.FailedIDs {
		fmt.Fprintf(w, "  kept record %d\n", id)
	}
}
