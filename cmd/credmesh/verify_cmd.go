package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/seal"
)

// runVerifyPackCmd runs the ten admissibility checks over a bundle. Exit
// codes: 0 valid, 1 inadmissible, 2 schema, 3 hash mismatch, 4 missing file.
func runVerifyPackCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	packDir := fs.String("pack", "", "bundle directory (required)")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	signAlgo := fs.String("sign-algo", string(crypto.BackendHMACDemo), "crypto backend the pack was signed with")
	signKeyID := fs.String("sign-key-id", "seal", "signing key id")
	tenant := fs.String("tenant", "default", "tenant id")
	requireABP := fs.Bool("require-abp", false, "fail when the pack carries no authority boundary primitive")
	strictInputs := fs.Bool("strict-inputs", false, "require every hash-scope input to exist on disk")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *packDir == "" {
		_, _ = fmt.Fprintln(stderr, "verify-pack: --pack is required")
		return 2
	}

	provider, err := crypto.NewProvider(crypto.Backend(*signAlgo), *signKeyID, *tenant, []byte(*keyMaterial))
	if err != nil {
		return fail(stderr, err)
	}

	report := seal.VerifyPack(*packDir, seal.VerifyOptions{
		Provider:     provider,
		RequireABP:   *requireABP,
		StrictInputs: *strictInputs,
	})

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return report.ExitCode()
	}

	for _, c := range report.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		line := fmt.Sprintf("%-4s %s", mark, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	if report.Valid {
		_, _ = fmt.Fprintln(stdout, "pack VALID")
	} else {
		_, _ = fmt.Fprintln(stdout, "pack INADMISSIBLE")
	}
	return report.ExitCode()
}
