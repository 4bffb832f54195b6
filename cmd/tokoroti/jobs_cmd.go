package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tokoroti/tokoroti/cmd/tokoroti/cli"
	"github.com/tokoroti/tokoroti/internal/app"
)

const jobsUsage = "usage: tokoroti jobs trigger <task> [-branch B] [-as-of 2006-01-02] | tokoroti jobs stats"

// runJobsCommand handles `tokoroti jobs ...` for operators.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(jobsUsage)
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New(jobsUsage)
		}
		name := args[1]
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(out)
		branch := fs.String("branch", "", "branch id for stock:reconcile")
		asOf := fs.String("as-of", "", "cutoff date for stock:expire_batches")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		opts := cli.TriggerOptions{BranchID: *branch}
		if *asOf != "" {
			parsed, err := time.Parse("2006-01-02", *asOf)
			if err != nil {
				return fmt.Errorf("invalid -as-of: %w", err)
			}
			opts.AsOf = parsed
		}
		if _, err := cli.BuildTask(name, opts); err != nil {
			return err
		}
		jc := cli.NewJobsCLI(cfg.RedisAddr)
		defer jc.Close()
		info, err := jc.Trigger(ctx, name, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		jc := cli.NewJobsCLI(cfg.RedisAddr)
		defer jc.Close()
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return errors.New(jobsUsage)
	}
}
