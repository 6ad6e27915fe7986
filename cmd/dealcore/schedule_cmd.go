package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aigentsy/dealcore/pkg/feeschedule"
)

// runScheduleCmd validates a fee schedule file and prints the effective
// schedule as JSON. With no -file it prints the built-in defaults.
func runScheduleCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("file", os.Getenv("FEE_SCHEDULE_FILE"), "path to a fee schedule YAML file")
	constraint := fs.String("at-least", "", "optional semver constraint the schedule version must satisfy")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sched := feeschedule.Default()
	if *path != "" {
		loaded, err := feeschedule.Load(*path)
		if err != nil {
			fmt.Fprintf(stderr, "schedule: %v\n", err)
			return 1
		}
		sched = loaded
	}

	if *constraint != "" {
		ok, err := sched.AtLeast(*constraint)
		if err != nil {
			fmt.Fprintf(stderr, "schedule: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintf(stderr, "schedule: version %s does not satisfy %q\n", sched.Version, *constraint)
			return 1
		}
	}

	out, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "schedule: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}
