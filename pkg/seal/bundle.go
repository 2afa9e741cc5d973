package seal

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
)

// Well-known file names inside a run bundle.
const (
	TransparencyLogFile = "transparency_log.ndjson"
	AuthorityLedgerFile = "authority_ledger.ndjson"
	ABPFile             = "abp_v1.json"
)

// Manifest lists every file in the bundle with its digest. The manifest is
// the provenance record the verifier checks file contents against.
type Manifest struct {
	Bundle      string       `json:"bundle"`
	CommitHash  string       `json:"commit_hash"`
	Files       []FileDigest `json:"files"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Bundle names the files an export produced.
type Bundle struct {
	Dir          string `json:"dir"`
	RunFile      string `json:"run_file"`
	ManifestFile string `json:"manifest_file"`
}

// BundleName derives the run file name: RUN-{hash[:8]}_{ISO}.json.
func BundleName(commitHash string, at time.Time) string {
	return "RUN-" + canonicalize.ShortHash(commitHash, 8) + "_" + at.UTC().Format("20060102T150405Z") + ".json"
}

// ExportBundle writes the packet and its companion artifacts into dir and
// seals the set with a manifest. extras maps file names (for example
// abp_v1.json) to contents; they are written verbatim.
func ExportBundle(dir string, p *Packet, extras map[string][]byte) (*Bundle, error) {
	if err := p.VerifyCommit(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindFilesystem, err, "create bundle dir")
	}

	runName := BundleName(p.CommitHash, p.SealedAt)
	runBytes, err := canonicalize.Canonical(p)
	if err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, runName), runBytes); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(extras))
	for name := range extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeFile(filepath.Join(dir, name), extras[name]); err != nil {
			return nil, err
		}
	}

	manifest := Manifest{
		Bundle:      runName,
		CommitHash:  p.CommitHash,
		GeneratedAt: p.SealedAt,
	}
	for _, name := range append([]string{runName}, names...) {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fault.Wrap(fault.KindFilesystem, err, "digest "+name)
		}
		manifest.Files = append(manifest.Files, FileDigest{
			Path:   name,
			SHA256: canonicalize.HashText(string(raw)),
		})
	}

	manifestName := runName[:len(runName)-len(".json")] + ".manifest.json"
	manifestBytes, err := canonicalize.Canonical(manifest)
	if err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, manifestName), manifestBytes); err != nil {
		return nil, err
	}

	return &Bundle{Dir: dir, RunFile: runName, ManifestFile: manifestName}, nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fault.Wrap(fault.KindFilesystem, err, "write "+path)
	}
	return nil
}
