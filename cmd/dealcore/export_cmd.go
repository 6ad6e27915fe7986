package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aigentsy/dealcore/pkg/config"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/reconcile"
	"github.com/rs/zerolog"
)

// runExportCmd turns a reconciliation ledger file into a hashed audit
// bundle, optionally pushing it to the configured S3 archive.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	entriesPath := fs.String("entries", "", "path to a JSON array of ledger entries")
	outPath := fs.String("out", "", "write the bundle here (default stdout)")
	archive := fs.Bool("archive", false, "also push the bundle to the configured S3 bucket")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *entriesPath == "" {
		fmt.Fprintln(stderr, "export: -entries is required")
		return 2
	}

	raw, err := os.ReadFile(*entriesPath)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	var entries []reconcile.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		fmt.Fprintf(stderr, "export: parse entries: %v\n", err)
		return 1
	}

	rec := reconcile.NewReconciler(feeschedule.Default(), zerolog.Nop())
	rec.Import(entries)
	export, err := rec.ExportForAudit(nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	bundle, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if *outPath == "" {
		fmt.Fprintln(stdout, string(bundle))
	} else if err := os.WriteFile(*outPath, bundle, 0o644); err != nil {
		fmt.Fprintf(stderr, "export: write %s: %v\n", *outPath, err)
		return 1
	}

	if *archive {
		cfg := config.Load()
		if cfg.S3Bucket == "" {
			fmt.Fprintln(stderr, "export: AUDIT_S3_BUCKET is not configured")
			return 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		archiver, err := reconcile.NewS3Archiver(ctx, reconcile.S3ArchiverConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			fmt.Fprintf(stderr, "export: s3: %v\n", err)
			return 1
		}
		key, err := archiver.Archive(ctx, export)
		if err != nil {
			fmt.Fprintf(stderr, "export: archive: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "archived: s3://%s/%s\n", cfg.S3Bucket, key)
	}

	fmt.Fprintf(stdout, "export %s: %d entries, hash %s\n",
		export.ExportID, len(export.Entries), export.VerificationHash)
	return 0
}
