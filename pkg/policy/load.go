package policy

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/credmesh/credmesh/pkg/fault"
)

// LoadRuleSet reads a policy pack from a YAML file and compile-checks it.
func LoadRuleSet(engine *Engine, path string) (RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fault.Wrap(fault.KindFilesystem, err, "read policy pack")
	}
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return RuleSet{}, fault.Wrap(fault.KindInputInvalid, err, "parse policy pack")
	}
	if err := engine.Compile(rs); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}
