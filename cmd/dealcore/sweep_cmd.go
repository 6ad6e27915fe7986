package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/aigentsy/dealcore/pkg/config"
	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/timeout"
)

// runSweepCmd runs a single auto-release pass over the configured store,
// or loops when -loop is given. Meant for cron-style deployments where the
// server's background sweeper is disabled.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	loop := fs.Bool("loop", false, "keep sweeping at the configured interval")
	timeoutFlag := fs.Duration("timeout", 5*time.Minute, "bound for a single pass")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	sched, err := loadSchedule(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "fee schedule: %v\n", err)
		return 1
	}
	if !sched.AutoReleaseEnable {
		fmt.Fprintln(stderr, "auto-release is disabled in the fee schedule")
		return 1
	}

	repo, cleanup, err := openRepository(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "repository: %v\n", err)
		return 1
	}
	defer cleanup()

	led := ledger.New(openPartyStore(cfg))
	policy := timeout.NewPolicy(sched, led)
	sweeper := timeout.NewSweeper(policy, repo, func(context.Context, *deal.Deal) bool {
		return false
	}, cfg.SweepInterval, log)

	if *loop {
		if err := sweeper.Run(context.Background()); err != nil {
			fmt.Fprintf(stderr, "sweep loop: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()
	result, err := sweeper.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	_ = json.NewEncoder(stdout).Encode(result)
	if result.Errors > 0 {
		return 1
	}
	return 0
}
