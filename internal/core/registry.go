package core

import (
	"fmt"
	"sort"
	"sync"
)

// The registry holds the declarative description of the pipeline: source
// tables, cleansing rules, dimension plans and the fact plan. Entries are
// registered from init functions in the tables package; a run takes a
// snapshot through DefaultDefinition.

var (
	registryMu sync.RWMutex
	sources    = make(map[string]SourceTable)
	rules      []Rule
	ruleSeq    int
	dimensions = make(map[string]DimensionPlan)
	fact       *FactPlan
)

// RegisterSource adds a source table.
// Panics if a table with the same name is already registered.
func RegisterSource(t SourceTable) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := sources[t.Name]; exists {
		panic(fmt.Sprintf("source table already registered: %s", t.Name))
	}
	if len(t.Key) == 0 {
		panic(fmt.Sprintf("source table %s has no natural key", t.Name))
	}
	sources[t.Name] = t
}

// RegisterRule adds cleansing rules. Panics on a malformed rule.
func RegisterRule(rs ...Rule) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, r := range rs {
		if err := r.checkShape(); err != nil {
			panic(err.Error())
		}
		ruleSeq++
		r.seq = ruleSeq
		rules = append(rules, r)
	}
}

// RegisterDimension adds a dimension plan.
// Panics if a plan for the same entity is already registered.
func RegisterDimension(p DimensionPlan) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := dimensions[p.Entity]; exists {
		panic(fmt.Sprintf("dimension already registered: %s", p.Entity))
	}
	dimensions[p.Entity] = p
}

// RegisterFact sets the fact plan. Panics if one is already registered.
func RegisterFact(p FactPlan) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if fact != nil {
		panic(fmt.Sprintf("fact plan already registered: %s", fact.Table))
	}
	fact = &p
}

// SourceTables returns registered source tables sorted by name.
func SourceTables() []SourceTable {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]SourceTable, 0, len(sources))
	for _, t := range sources {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rules returns registered rules in execution order.
func Rules() []Rule {
	registryMu.RLock()
	out := append([]Rule(nil), rules...)
	registryMu.RUnlock()

	sortRules(out)
	return out
}

// RulesFor returns the rules of one table in execution order.
func RulesFor(table string) []Rule {
	var out []Rule
	for _, r := range Rules() {
		if r.Table == table {
			out = append(out, r)
		}
	}
	return out
}

// Dimensions returns registered dimension plans sorted by entity.
func Dimensions() []DimensionPlan {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]DimensionPlan, 0, len(dimensions))
	for _, p := range dimensions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Fact returns the registered fact plan.
func Fact() (FactPlan, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if fact == nil {
		return FactPlan{}, false
	}
	return *fact, true
}

// Clear removes every registration.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()

	sources = make(map[string]SourceTable)
	rules = nil
	ruleSeq = 0
	dimensions = make(map[string]DimensionPlan)
	fact = nil
}

// Definition is everything a pipeline needs to know about the schema.
type Definition struct {
	Tables     []SourceTable
	Rules      []Rule
	Dimensions []DimensionPlan
	Fact       FactPlan
}

// DefaultDefinition snapshots the registry.
func DefaultDefinition() (Definition, error) {
	f, ok := Fact()
	if !ok {
		return Definition{}, configErrorf("registry", nil, "no fact plan registered")
	}
	return Definition{
		Tables:     SourceTables(),
		Rules:      Rules(),
		Dimensions: Dimensions(),
		Fact:       f,
	}, nil
}

// WithRules returns a copy of d with extra rules appended after the
// registered ones.
func (d Definition) WithRules(extra ...Rule) Definition {
	out := d
	out.Rules = append(append([]Rule(nil), d.Rules...), extra...)
	base := 0
	for _, r := range d.Rules {
		if r.seq > base {
			base = r.seq
		}
	}
	for i := len(d.Rules); i < len(out.Rules); i++ {
		base++
		out.Rules[i].seq = base
	}
	sortRules(out.Rules)
	return out
}

// Table looks up a source table by name.
func (d Definition) Table(name string) (SourceTable, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return SourceTable{}, false
}

// Dimension looks up a plan by entity.
func (d Definition) Dimension(entity string) (DimensionPlan, bool) {
	for _, p := range d.Dimensions {
		if p.Entity == entity {
			return p, true
		}
	}
	return DimensionPlan{}, false
}
