package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
	"github.com/crewplan/crewplan-sync/internal/sessionfile"
)

// errOffline is returned by check when no probe succeeded. main maps it to
// exit code 1 without printing an error line.
var errOffline = errors.New("backend unreachable")

// checkOutput is the JSON shape of the check command.
type checkOutput struct {
	Project string                  `json:"project"`
	State   string                  `json:"state"`
	Online  bool                    `json:"online"`
	Session string                  `json:"session,omitempty"`
	Probes  []reconcile.ProbeResult `json:"probes"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe connectivity to the backend",
		Long: `Runs the connectivity probes in order (reachability, a one-row query,
a session check) and stops at the first success. Exits 1 when every probe
fails.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := resolvedCfg

	client, _, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	health := reconcile.NewHealthMonitor(
		reconcile.StandardProbes(client, entity.KindStatus), cfg.ProbeTimeout(), nil, nil, logger,
	)

	// Every probe gets its full timeout plus slack for the sequence.
	budget := cfg.ProbeTimeout()*3 + time.Second

	ctx, cancel := context.WithTimeout(cmd.Context(), budget)
	defer cancel()

	online := health.CheckConnection(ctx)

	out := checkOutput{
		Project: cfg.Supabase.URL,
		State:   health.State().String(),
		Online:  online,
		Probes:  health.LastResults(),
	}

	if _, meta, loadErr := sessionfile.Load(cfg.SessionPath()); loadErr == nil && meta != nil {
		out.Session = meta[sessionfile.MetaEmail]
	}

	if flagJSON {
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
	} else {
		printCheck(out)
	}

	if !online {
		return errOffline
	}

	return nil
}

func printCheck(out checkOutput) {
	rows := make([][]string, 0, len(out.Probes))
	for _, p := range out.Probes {
		result := "ok"
		if !p.OK {
			result = "failed"
		}

		rows = append(rows, []string{p.Name, result, p.Elapsed.Round(time.Millisecond).String(), p.Error})
	}

	fmt.Printf("Project: %s\n", out.Project)

	if out.Session != "" {
		fmt.Printf("Session: %s\n", out.Session)
	} else {
		fmt.Println("Session: none (anon key)")
	}

	fmt.Println()
	printTable(os.Stdout, []string{"PROBE", "RESULT", "ELAPSED", "ERROR"}, rows)
	fmt.Println()
	fmt.Printf("Backend: %s\n", out.State)
}
