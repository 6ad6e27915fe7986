package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/reconcile"
)

func TestRun_DispatchesToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := 0
	startServer = func() int {
		called++
		return 0
	}

	var out, errOut bytes.Buffer
	for _, args := range [][]string{
		{"dealcore"},
		{"dealcore", "serve"},
		{"dealcore", "server"},
		{"dealcore", "--port=9999"},
	} {
		if code := Run(args, &out, &errOut); code != 0 {
			t.Fatalf("Run(%v) = %d, want 0", args, code)
		}
	}
	if called != 4 {
		t.Fatalf("server started %d times, want 4", called)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"dealcore", "frobnicate"}, &out, &errOut)
	require.Equal(t, 2, code)
	require.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"dealcore", "help"}, &out, &errOut)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "dealcore")
	require.Contains(t, out.String(), "sweep")
	require.Contains(t, out.String(), "verify")
}

func TestScheduleCmd_Defaults(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runScheduleCmd(nil, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var sched feeschedule.Schedule
	require.NoError(t, json.Unmarshal(out.Bytes(), &sched))
	require.Equal(t, int64(280), sched.PlatformFeeBps)
	require.Equal(t, "USD", sched.Currency)
}

func TestScheduleCmd_ConstraintFails(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runScheduleCmd([]string{"-at-least", ">= 9.0.0"}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "does not satisfy")
}

func TestExportAndVerify_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entriesPath := dir + "/entries.json"
	bundlePath := dir + "/bundle.json"

	entries := []reconcile.Entry{
		{
			ID:          "entry_1",
			UserID:      "agent_1",
			Source:      reconcile.SourceManual,
			Type:        reconcile.EntryPayout,
			Gross:       money.New(100000, "USD"),
			Fees:        money.New(2828, "USD"),
			Net:         money.New(97172, "USD"),
			ReferenceID: "deal_1",
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Status:      reconcile.StatusPending,
		},
		{
			ID:          "entry_2",
			UserID:      "agent_1",
			Source:      reconcile.SourceStripe,
			Type:        reconcile.EntryPayout,
			Gross:       money.New(97172, "USD"),
			Net:         money.New(97172, "USD"),
			ReferenceID: "deal_1",
			CreatedAt:   time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
			Status:      reconcile.StatusPending,
		},
	}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(entriesPath, raw, 0o644))

	var out, errOut bytes.Buffer
	code := runExportCmd([]string{"-entries", entriesPath, "-out", bundlePath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), "2 entries")

	out.Reset()
	errOut.Reset()
	code = runVerifyCmd([]string{"-bundle", bundlePath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.True(t, strings.HasPrefix(out.String(), "OK:"), out.String())
}

func TestVerifyCmd_Tampered(t *testing.T) {
	rec := reconcile.NewReconciler(feeschedule.Default(), zerolog.Nop())
	rec.Import([]reconcile.Entry{{
		ID:        "entry_1",
		UserID:    "agent_1",
		Source:    reconcile.SourceManual,
		Type:      reconcile.EntryPayout,
		Gross:     money.New(100000, "USD"),
		Net:       money.New(97172, "USD"),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	export, err := rec.ExportForAudit(nil, nil)
	require.NoError(t, err)

	export.Entries[0].Net = money.New(1, "USD")
	raw, err := json.Marshal(export)
	require.NoError(t, err)

	bundlePath := t.TempDir() + "/tampered.json"
	require.NoError(t, os.WriteFile(bundlePath, raw, 0o644))

	var out, errOut bytes.Buffer
	code := runVerifyCmd([]string{"-bundle", bundlePath}, &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "TAMPERED")
}

func TestVerifyCmd_MissingBundle(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runVerifyCmd(nil, &out, &errOut)
	require.Equal(t, 2, code)
	require.Contains(t, errOut.String(), "-bundle is required")
}
