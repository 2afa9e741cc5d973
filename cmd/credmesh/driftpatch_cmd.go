package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// runDriftPatchCycleCmd runs the drift → patch → re-seal cycle and prints
// every step: the signal, the approval ladder and the resolving episode.
func runDriftPatchCycleCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drift-patch-cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storage := fs.String("storage", "", "storage root; a temp dir when empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	root := *storage
	if root == "" {
		dir, err := os.MkdirTemp("", "credmesh-cycle-")
		if err != nil {
			return fail(stderr, err)
		}
		defer os.RemoveAll(dir)
		root = filepath.Join(dir, "data")
	}

	res, err := runMoneyDemo(root)
	if err != nil {
		return fail(stderr, err)
	}

	_, _ = fmt.Fprintf(stdout, "drift %s %s %s on %s fingerprint %s\n",
		res.Drift.DriftID, res.Drift.Severity, res.Drift.Type, res.Drift.EpisodeID, res.Drift.Fingerprint.Key)
	_, _ = fmt.Fprintf(stdout, "patch %s type %s status %s\n", res.Patch.PatchID, res.Patch.Type, res.Patch.Status)
	for _, a := range res.Patch.Approvals {
		_, _ = fmt.Fprintf(stdout, "approved by %s (%s)\n", a.Actor, a.Role)
	}
	_, _ = fmt.Fprintf(stdout, "re-sealed as %s\n", res.Patch.AppliedEpisode)
	printMoneyDemo(stdout, res)
	return 0
}
