package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// rulesFile is the YAML layout of additional cleansing rules:
//
//	rules:
//	  - table: Track
//	    kind: trim
//	    columns: [Composer]
//	  - table: InvoiceLine
//	    kind: range-check
//	    columns: [Quantity]
//	    op: "<="
//	    bound: "50"
//	  - table: Customer
//	    kind: categorical-normalize
//	    columns: [Country]
//	    mapping:
//	      Germany: [DE, Deutschland]
type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Table      string              `yaml:"table"`
	Kind       string              `yaml:"kind"`
	Columns    []string            `yaml:"columns"`
	Default    any                 `yaml:"default"`
	References string              `yaml:"references"` // Table.Column
	Op         string              `yaml:"op"`
	Bound      string              `yaml:"bound"`
	Case       string              `yaml:"case"`
	Pattern    string              `yaml:"pattern"`
	Mapping    map[string][]string `yaml:"mapping"`
}

// LoadRulesFile reads extra rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf(path, nil, "read rules file: %v", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules. Every rule is shape-checked; schema checks
// happen when the engine validates against the source tables.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, configErrorf("rules file", nil, "decode: %v", err)
	}

	out := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r, err := spec.rule()
		if err != nil {
			return nil, configErrorf(fmt.Sprintf("rules[%d]", i), nil, "%v", err)
		}
		if err := r.checkShape(); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s ruleSpec) rule() (Rule, error) {
	r := Rule{
		Table:   s.Table,
		Kind:    RuleKind(strings.ToLower(strings.TrimSpace(s.Kind))),
		Columns: s.Columns,
		Default: s.Default,
		Op:      RangeOp(strings.TrimSpace(s.Op)),
		Case:    CaseMode(strings.ToLower(strings.TrimSpace(s.Case))),
	}

	if s.References != "" {
		table, column, ok := strings.Cut(s.References, ".")
		if !ok {
			return r, fmt.Errorf("references %q must be Table.Column", s.References)
		}
		r.Ref = Reference{Table: table, Column: column}
	}
	if s.Bound != "" {
		b, err := decimal.NewFromString(s.Bound)
		if err != nil {
			return r, fmt.Errorf("bound %q is not a number", s.Bound)
		}
		r.Bound = b
	}
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return r, fmt.Errorf("pattern: %w", err)
		}
		r.Pattern = re
	}
	if len(s.Mapping) > 0 {
		r.Mapping = CanonicalMapping(s.Mapping)
	}
	return r, nil
}
