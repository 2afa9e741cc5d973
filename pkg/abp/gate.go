package abp

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Exported HTML artifacts must carry their ABP inline so the boundary travels
// with the document. The gate re-extracts and fully re-verifies before
// distribution; any failing check blocks.
const (
	scriptOpen  = `<script type="application/json" id="abp-boundary">`
	scriptClose = `</script>`
)

var scriptBlockRe = regexp.MustCompile(
	`(?s)<script type="application/json" id="abp-boundary">(.*?)</script>`)

// GateReport is the pre-distribution verdict: the embed checks plus the
// eight ABP checks, ten in total.
type GateReport struct {
	Allowed bool          `json:"allowed"`
	Checks  []CheckResult `json:"checks"`
}

const (
	GateCheckPresence = "abp_present"
	GateCheckDecode   = "abp_decodable"
)

// EmbedInHTML injects the ABP as a JSON script block before </body> (or
// appends when no body tag exists).
func EmbedInHTML(html string, a *ABP) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	block := scriptOpen + string(raw) + scriptClose
	if idx := strings.LastIndex(html, "</body>"); idx >= 0 {
		return html[:idx] + block + html[idx:], nil
	}
	return html + block, nil
}

// ExtractFromHTML returns the embedded ABP, or nil when none is present.
func ExtractFromHTML(html string) (*ABP, bool, error) {
	m := scriptBlockRe.FindStringSubmatch(html)
	if m == nil {
		return nil, false, nil
	}
	var a ABP
	if err := json.Unmarshal([]byte(m[1]), &a); err != nil {
		return nil, true, err
	}
	return &a, true, nil
}

// Gate verifies an HTML export before distribution. Ten checks: presence,
// decodability, then the eight ABP checks. Any FAIL blocks distribution.
func (v *Verifier) Gate(html string) *GateReport {
	report := &GateReport{Allowed: true}
	add := func(name string, passed bool, detail string) {
		report.Checks = append(report.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
		if !passed {
			report.Allowed = false
		}
	}

	a, present, err := ExtractFromHTML(html)
	if !present {
		add(GateCheckPresence, false, "export carries no abp-boundary script block")
		// Remaining checks cannot run; report them as failed so the count
		// is stable for auditors.
		for _, name := range []string{CheckSchema, CheckHashIntegrity, CheckIDDeterminism,
			CheckAuthorityRef, CheckAuthorityWindow, CheckComposition,
			CheckContradiction, CheckDelegationReview} {
			add(name, false, "skipped: abp missing")
		}
		add(GateCheckDecode, false, "skipped: abp missing")
		return report
	}
	add(GateCheckPresence, true, "")

	if err != nil {
		add(GateCheckDecode, false, "embedded abp is not valid JSON: "+err.Error())
		for _, name := range []string{CheckSchema, CheckHashIntegrity, CheckIDDeterminism,
			CheckAuthorityRef, CheckAuthorityWindow, CheckComposition,
			CheckContradiction, CheckDelegationReview} {
			add(name, false, "skipped: abp undecodable")
		}
		return report
	}
	add(GateCheckDecode, true, "")

	inner := v.Verify(a)
	report.Checks = append(report.Checks, inner.Checks...)
	if !inner.Valid {
		report.Allowed = false
	}
	return report
}
