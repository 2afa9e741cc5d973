package main

import (
	"fmt"
	"io"
	"os"

	"github.com/credmesh/credmesh/pkg/fault"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "seal":
		return runSealCmd(args[2:], stdout, stderr)
	case "verify-pack":
		return runVerifyPackCmd(args[2:], stdout, stderr)
	case "mesh":
		return runMeshCmd(args[2:], stdout, stderr)
	case "credibility":
		return runCredibilityCmd(args[2:], stdout, stderr)
	case "iris":
		return runIrisCmd(args[2:], stdout, stderr)
	case "drift-patch-cycle":
		return runDriftPatchCycleCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "credmesh — distributed credibility mesh node")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: credmesh <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  seal               Seal a decision episode into a run bundle")
	fmt.Fprintln(w, "  verify-pack        Run the admissibility checks over a bundle")
	fmt.Fprintln(w, "  mesh               init | run | verify | scenario")
	fmt.Fprintln(w, "  credibility        snapshot")
	fmt.Fprintln(w, "  iris query         WHY | WHAT_DRIFTED | WHAT_CHANGED | RECALL | STATUS")
	fmt.Fprintln(w, "  drift-patch-cycle  Run the drift → patch → re-seal cycle")
	fmt.Fprintln(w, "  doctor             Check storage layout and chain integrity")
	fmt.Fprintln(w, "")
}

// exitFor maps a fault kind to the CLI exit code: tamper and chain breaks
// exit 3, missing files 4, bad input 2, everything else 1.
func exitFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindHashMismatch, fault.KindLedgerTamper, fault.KindChainBreak, fault.KindCorrupt:
		return 3
	case fault.KindFilesystem:
		return 4
	case fault.KindInputInvalid:
		return 2
	default:
		return 1
	}
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	return exitFor(err)
}
