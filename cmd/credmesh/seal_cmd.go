package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/seal"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runSealCmd seals a decision episode into a run bundle. With --clock the
// seal is deterministic: same inputs and same clock yield the same
// commit_hash.
func runSealCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	decisionID := fs.String("decision-id", "", "decision episode id (required)")
	clockArg := fs.String("clock", "", "fixed RFC3339 clock for deterministic sealing")
	signAlgo := fs.String("sign-algo", string(crypto.BackendHMACDemo), "crypto backend: ed25519_a | ed25519_b | hmac_demo")
	signKeyID := fs.String("sign-key-id", "seal", "signing key id")
	keyMaterial := fs.String("key", "", "key material for derived backends")
	tenant := fs.String("tenant", "default", "tenant id")
	outDir := fs.String("out", ".", "bundle output directory")
	var inputs stringList
	fs.Var(&inputs, "input", "input file to digest into the hash scope (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *decisionID == "" {
		_, _ = fmt.Fprintln(stderr, "seal: --decision-id is required")
		return 2
	}

	provider, err := crypto.NewProvider(crypto.Backend(*signAlgo), *signKeyID, *tenant, []byte(*keyMaterial))
	if err != nil {
		return fail(stderr, err)
	}
	sealer := seal.NewSealer(provider)
	if *clockArg != "" {
		at, err := time.Parse(time.RFC3339, *clockArg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "seal: bad --clock %q: %v\n", *clockArg, err)
			return 2
		}
		sealer = sealer.WithClock(func() time.Time { return at })
	}

	scope := seal.HashScope{}
	for _, path := range inputs {
		d, err := seal.DigestFile(path)
		if err != nil {
			return fail(stderr, err)
		}
		scope.Inputs = append(scope.Inputs, d)
	}
	scope.Parameters.DeterministicMode = *clockArg != ""

	packet, err := sealer.Seal(*decisionID, scope)
	if err != nil {
		return fail(stderr, err)
	}
	bundle, err := seal.ExportBundle(*outDir, packet, nil)
	if err != nil {
		return fail(stderr, err)
	}

	_, _ = fmt.Fprintf(stdout, "sealed %s\n", packet.DecisionID)
	_, _ = fmt.Fprintf(stdout, "commit_hash %s\n", packet.CommitHash)
	_, _ = fmt.Fprintf(stdout, "bundle %s\n", bundle.RunFile)
	return 0
}
