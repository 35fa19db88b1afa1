package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// KeyMap maps (entity, natural key) to the surrogate key the target
// assigned. It is filled while dimensions load and is read-only during
// fact assembly.
type KeyMap struct {
	mu      sync.RWMutex
	entries map[string]map[string]int64
	reverse map[string]map[int64]string
}

// NewKeyMap returns an empty key map.
func NewKeyMap() *KeyMap {
	return &KeyMap{
		entries: make(map[string]map[string]int64),
		reverse: make(map[string]map[int64]string),
	}
}

// Set records one mapping, replacing any previous one for the natural key.
func (m *KeyMap) Set(entity, natural string, surrogate int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[entity] == nil {
		m.entries[entity] = make(map[string]int64)
		m.reverse[entity] = make(map[int64]string)
	}
	m.entries[entity][natural] = surrogate
	m.reverse[entity][surrogate] = natural
}

// Replace swaps the whole mapping of one entity.
func (m *KeyMap) Replace(entity string, pairs map[string]int64) {
	fwd := make(map[string]int64, len(pairs))
	rev := make(map[int64]string, len(pairs))
	for k, v := range pairs {
		fwd[k] = v
		rev[v] = k
	}

	m.mu.Lock()
	m.entries[entity] = fwd
	m.reverse[entity] = rev
	m.mu.Unlock()
}

// Resolve returns the surrogate key for a natural key value. Absent is not
// an error; callers decide what a missing parent means.
func (m *KeyMap) Resolve(entity string, natural any) (int64, bool) {
	k, ok := KeyOf(natural)
	if !ok {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sk, ok := m.entries[entity][k]
	return sk, ok
}

// Natural returns the natural key a surrogate key was assigned to.
func (m *KeyMap) Natural(entity string, surrogate int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nk, ok := m.reverse[entity][surrogate]
	return nk, ok
}

// Len returns the number of mappings held for entity.
func (m *KeyMap) Len(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[entity])
}

// Entities returns the mapped entities sorted by name.
func (m *KeyMap) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.entries))
	for e := range m.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Sizes returns the mapping count per entity.
func (m *KeyMap) Sizes() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.entries))
	for e, pairs := range m.entries {
		out[e] = len(pairs)
	}
	return out
}

// Load reads the current (natural, surrogate) pairs of one dimension.
func (m *KeyMap) Load(ctx context.Context, tx TargetTx, plan DimensionPlan) error {
	pairs, err := tx.KeyPairs(ctx, plan.Table, plan.NaturalKey, plan.SurrogateKey)
	if err != nil {
		return fmt.Errorf("read keys of %s: %w", plan.Table, err)
	}
	m.Replace(plan.Entity, pairs)
	return nil
}

// BuildKeyMap reads every dimension's key pairs in a single pass over the
// target.
func BuildKeyMap(ctx context.Context, target Target, plans []DimensionPlan) (*KeyMap, error) {
	m := NewKeyMap()
	err := target.InTx(ctx, func(tx TargetTx) error {
		for _, p := range plans {
			if err := m.Load(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
