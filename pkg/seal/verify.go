package seal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/credmesh/credmesh/pkg/abp"
	"github.com/credmesh/credmesh/pkg/authority"
	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/crypto"
	"github.com/credmesh/credmesh/pkg/logstore"
)

// Exit codes for pack verification, shared with the CLI.
const (
	ExitValid        = 0
	ExitInadmissible = 1
	ExitSchema       = 2
	ExitHashMismatch = 3
	ExitMissingFile  = 4
)

// Admissibility check names, in evaluation order.
const (
	CheckJSONValid      = "json_valid"
	CheckPacketSchema   = "schema_valid"
	CheckCommit         = "commit_reproducible"
	CheckInputsPresent  = "inputs_present"
	CheckSignature      = "signature_valid"
	CheckLogChain       = "log_chain_intact"
	CheckAuthorityChain = "authority_chain_intact"
	CheckABP            = "abp_valid"
	CheckExclusions     = "exclusions_honored"
	CheckProvenance     = "provenance_match"
)

// Check is one admissibility check outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full pack verification outcome.
type Report struct {
	Bundle string  `json:"bundle"`
	Valid  bool    `json:"valid"`
	Checks []Check `json:"checks"`
}

// ExitCode maps the report to the CLI exit code: the first failing check
// decides, in evaluation order.
func (r *Report) ExitCode() int {
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		switch c.Name {
		case CheckJSONValid, CheckPacketSchema:
			return ExitSchema
		case CheckCommit, CheckLogChain, CheckAuthorityChain, CheckProvenance:
			return ExitHashMismatch
		case CheckInputsPresent:
			return ExitMissingFile
		default:
			return ExitInadmissible
		}
	}
	return ExitValid
}

// VerifyOptions configure pack verification.
type VerifyOptions struct {
	// Provider verifies the packet signature. Nil skips the check as failed.
	Provider crypto.Provider
	// RequireABP fails the ABP check when abp_v1.json is absent.
	RequireABP bool
	// StrictInputs requires every hash_scope input path to exist on disk.
	StrictInputs bool
}

// VerifyPack runs the ten admissibility checks over a bundle directory. All
// ten always report; nothing short-circuits.
func VerifyPack(dir string, opts VerifyOptions) *Report {
	r := &Report{Bundle: dir, Valid: true}
	add := func(name string, passed bool, detail string) {
		r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: detail})
		if !passed {
			r.Valid = false
		}
	}

	runPath, manifestPath, findErr := locateRun(dir)
	var packet *Packet
	var manifest *Manifest

	// 1. JSON valid.
	if findErr != nil {
		add(CheckJSONValid, false, findErr.Error())
	} else {
		raw, err := os.ReadFile(runPath)
		if err != nil {
			add(CheckJSONValid, false, "read run file: "+err.Error())
		} else if !json.Valid(raw) {
			add(CheckJSONValid, false, "run file is not valid JSON")
		} else {
			var p Packet
			if err := json.Unmarshal(raw, &p); err != nil {
				add(CheckJSONValid, false, "decode run file: "+err.Error())
			} else {
				packet = &p
				add(CheckJSONValid, true, "")
			}
		}
	}

	// 2. Packet schema.
	if packet == nil {
		add(CheckPacketSchema, false, "skipped: no packet")
	} else {
		missing := packetSchemaErrors(packet)
		add(CheckPacketSchema, len(missing) == 0, strings.Join(missing, "; "))
	}

	// 3. Commit reproducible.
	if packet == nil {
		add(CheckCommit, false, "skipped: no packet")
	} else if err := packet.VerifyCommit(); err != nil {
		add(CheckCommit, false, err.Error())
	} else {
		add(CheckCommit, true, "")
	}

	// 4. Inputs present.
	if packet == nil {
		add(CheckInputsPresent, false, "skipped: no packet")
	} else if !opts.StrictInputs {
		add(CheckInputsPresent, true, "non-strict mode")
	} else {
		var missing []string
		for _, in := range packet.HashScope.Inputs {
			if _, err := os.Stat(in.Path); err != nil {
				missing = append(missing, in.Path)
			}
		}
		add(CheckInputsPresent, len(missing) == 0, strings.Join(missing, "; "))
	}

	// 5. Signature valid.
	if packet == nil {
		add(CheckSignature, false, "skipped: no packet")
	} else if opts.Provider == nil {
		add(CheckSignature, false, "no verification key provided")
	} else {
		ok, err := opts.Provider.Verify([]byte(packet.CommitHash), packet.Signature)
		switch {
		case err != nil:
			add(CheckSignature, false, err.Error())
		case !ok:
			add(CheckSignature, false, "signature does not verify under "+opts.Provider.KeyID())
		default:
			add(CheckSignature, true, "")
		}
	}

	// 6. Transparency log chain.
	tlogPath := filepath.Join(dir, TransparencyLogFile)
	if _, err := os.Stat(tlogPath); err != nil {
		add(CheckLogChain, false, TransparencyLogFile+" missing")
	} else {
		tlog := NewTransparencyLog(logstore.OpenLog(tlogPath))
		if err := tlog.Load(); err != nil {
			add(CheckLogChain, false, err.Error())
		} else {
			add(CheckLogChain, true, "")
		}
	}

	// 7. Authority ledger chain.
	ledgerPath := filepath.Join(dir, AuthorityLedgerFile)
	var ledger *authority.Ledger
	if _, err := os.Stat(ledgerPath); err != nil {
		add(CheckAuthorityChain, false, AuthorityLedgerFile+" missing")
	} else {
		l := authority.NewLedger(logstore.OpenLog(ledgerPath))
		if err := l.Load(); err != nil {
			add(CheckAuthorityChain, false, err.Error())
		} else {
			ledger = l
			add(CheckAuthorityChain, true, "")
		}
	}

	// 8. ABP present and valid.
	abpPath := filepath.Join(dir, ABPFile)
	if raw, err := os.ReadFile(abpPath); err != nil {
		if opts.RequireABP {
			add(CheckABP, false, ABPFile+" missing")
		} else {
			add(CheckABP, true, "absent, not required")
		}
	} else {
		var doc abp.ABP
		if err := json.Unmarshal(raw, &doc); err != nil {
			add(CheckABP, false, "decode abp: "+err.Error())
		} else if ledger == nil {
			add(CheckABP, false, "no authority ledger to verify against")
		} else {
			report := abp.NewVerifier(ledger).Verify(&doc)
			add(CheckABP, report.Valid, strings.Join(report.Failed(), "; "))
		}
	}

	// 9. Exclusion declarations honored.
	if packet == nil {
		add(CheckExclusions, false, "skipped: no packet")
	} else {
		var missing []string
		for _, want := range DefaultExclusions {
			found := false
			for _, got := range packet.HashScope.Exclusions {
				if got == want {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, want)
			}
		}
		add(CheckExclusions, len(missing) == 0, strings.Join(missing, "; "))
	}

	// 10. Provenance: manifest digests match file contents.
	if manifestPath == "" {
		add(CheckProvenance, false, "manifest missing")
		return r
	}
	if raw, err := os.ReadFile(manifestPath); err != nil {
		add(CheckProvenance, false, "read manifest: "+err.Error())
	} else {
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			add(CheckProvenance, false, "decode manifest: "+err.Error())
		} else {
			manifest = &m
			var bad []string
			for _, f := range manifest.Files {
				content, err := os.ReadFile(filepath.Join(dir, f.Path))
				if err != nil {
					bad = append(bad, f.Path+" unreadable")
					continue
				}
				if canonicalize.HashText(string(content)) != f.SHA256 {
					bad = append(bad, f.Path+" digest mismatch")
				}
			}
			add(CheckProvenance, len(bad) == 0, strings.Join(bad, "; "))
		}
	}
	return r
}

func packetSchemaErrors(p *Packet) []string {
	var missing []string
	if p.DecisionID == "" {
		missing = append(missing, "decision_id empty")
	}
	if p.CommitHash == "" {
		missing = append(missing, "commit_hash empty")
	}
	if p.SealedAt.IsZero() {
		missing = append(missing, "sealed_at missing")
	}
	if p.Signature == "" {
		missing = append(missing, "signature empty")
	}
	if p.KeyID == "" {
		missing = append(missing, "key_id empty")
	}
	return missing
}

func locateRun(dir string) (runPath, manifestPath string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "RUN-") && strings.HasSuffix(name, ".manifest.json") {
			manifestPath = filepath.Join(dir, name)
			continue
		}
		if strings.HasPrefix(name, "RUN-") && strings.HasSuffix(name, ".json") {
			runPath = filepath.Join(dir, name)
		}
	}
	if runPath == "" {
		return "", "", errors.New("no RUN-*.json in " + dir)
	}
	return runPath, manifestPath, nil
}
