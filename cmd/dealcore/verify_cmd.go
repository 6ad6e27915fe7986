package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aigentsy/dealcore/pkg/reconcile"
)

// runVerifyCmd recomputes an audit bundle's verification hash and reports
// whether the entries still match it.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundlePath := fs.String("bundle", "", "path to an audit bundle JSON file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundlePath == "" {
		fmt.Fprintln(stderr, "verify: -bundle is required")
		return 2
	}

	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	var export reconcile.AuditExport
	if err := json.Unmarshal(raw, &export); err != nil {
		fmt.Fprintf(stderr, "verify: parse bundle: %v\n", err)
		return 1
	}

	ok, err := reconcile.Verify(export)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(stdout, "TAMPERED: %s (%d entries)\n", export.ExportID, len(export.Entries))
		return 1
	}
	fmt.Fprintf(stdout, "OK: %s (%d entries, hash %s)\n",
		export.ExportID, len(export.Entries), export.VerificationHash)
	return 0
}
