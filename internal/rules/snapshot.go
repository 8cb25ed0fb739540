package rules

import "sort"

// Snapshot is an immutable set of compiled active rules, indexed by trigger
// type. One snapshot is read per event; a concurrent admin edit is never
// partially visible mid-evaluation.
type Snapshot struct {
	byTrigger map[string][]*CompiledRule
	total     int
}

// NewSnapshot builds a snapshot from compiled rules. Rules are ordered by
// creation time (revision as tie-break) to give the deterministic
// creation-order evaluation the contract requires.
func NewSnapshot(rules []*CompiledRule) *Snapshot {
	s := &Snapshot{byTrigger: make(map[string][]*CompiledRule), total: len(rules)}
	for _, r := range rules {
		s.byTrigger[r.TriggerType] = append(s.byTrigger[r.TriggerType], r)
	}
	for _, list := range s.byTrigger {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].ID < list[j].ID
			}
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}
	return s
}

// ForTrigger returns the rules for one trigger type in creation order.
// The returned slice must not be modified.
func (s *Snapshot) ForTrigger(triggerType string) []*CompiledRule {
	return s.byTrigger[triggerType]
}

// Len reports the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	return s.total
}
