package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coachpo/fieldcare/internal/app/runtime"
	"github.com/coachpo/fieldcare/internal/observability"
)

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List response cache buckets",
	Long: `List the response cache buckets in the configured store with their entry counts.
--install precaches the application shell for the current cache version and
--activate deletes every bucket that does not carry it.`,
	Args: cobra.NoArgs,
	RunE: runBuckets,
}

func init() {
	bucketsCmd.Flags().Bool("install", false, "Precache the application shell for the current version")
	bucketsCmd.Flags().Bool("activate", false, "Delete buckets left by earlier cache versions")
}

func runBuckets(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	install, _ := cmd.Flags().GetBool("install")
	activate, _ := cmd.Flags().GetBool("activate")

	// Connectivity is irrelevant here; skip the startup probe.
	online := install
	rt, err := runtime.Build(ctx, cfg, runtime.Options{Logger: logger.Named("buckets"), Online: &online})
	if err != nil {
		return fmt.Errorf("build execution context: %w", err)
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("close execution context", observability.F("err", err))
		}
	}()

	out := cmd.OutOrStdout()
	if install {
		if err := rt.Router.Install(ctx); err != nil {
			return fmt.Errorf("install %s: %w", rt.Router.StaticBucket(), err)
		}
		fmt.Fprintf(out, "installed %s\n", rt.Router.StaticBucket())
	}
	if activate {
		removed, err := rt.Router.Activate(ctx)
		if err != nil {
			return fmt.Errorf("activate cache version: %w", err)
		}
		for _, name := range removed {
			fmt.Fprintf(out, "deleted %s\n", name)
		}
	}

	names, err := rt.Cache.Names(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	for _, name := range names {
		bucket, ok, err := rt.Cache.Lookup(ctx, name)
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", name, err)
		}
		if !ok {
			continue
		}
		n, err := bucket.Len(ctx)
		if err != nil {
			return fmt.Errorf("count bucket %s: %w", name, err)
		}
		marker := ""
		if name == rt.Router.StaticBucket() || name == rt.Router.DynamicBucket() {
			marker = " (current)"
		}
		fmt.Fprintf(out, "%s\t%d entries%s\n", name, n, marker)
	}
	return nil
}
