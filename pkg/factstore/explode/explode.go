// Package explode converts one upstream record verdict into the many
// fact rows it implies, one per unique (rule_id, value) pair across
// both the valid and invalid occurrence maps.
package explode

import (
	"fmt"
	"strconv"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
)

// Warning describes a rule id dropped during explosion. The
// caller decides how to surface it (spec §4.6/§7: dropped with a
// warning that includes the record id, never a hard failure).
type Warning struct {
	RecordID string
	RuleID   string
	Reason   string
}

func (w Warning) String() string {
	return fmt.Sprintf("record %q: rule %q: %s", w.RecordID, w.RuleID, w.Reason)
}

// Explode produces the deduplicated set of fact rows implied by a
// verdict. Duplicate (rule_id, normalised value) pairs within the same
// verdict collapse to one fact row; the dedup set is scoped to this
// call and discarded afterwards.
func Explode(v fact.Verdict) ([]fact.Fact, []Warning) {
	prov := v.Provenance
	network := prov.Network
	if network == "" {
		network = fact.UnknownNetwork
	}

	var facts []fact.Fact
	var warnings []Warning
	seen := make(map[dedupKey]struct{})

	explodeSide := func(occurrences map[string][]string, isValid bool) {
		for ruleIDStr, values := range occurrences {
			ruleID, err := parseRuleID(ruleIDStr)
			if err != nil {
				warnings = append(warnings, Warning{
					RecordID: v.ID,
					RuleID:   ruleIDStr,
					Reason:   err.Error(),
				})
				continue
			}
			for _, raw := range values {
				value := fact.Normalize(raw)
				if value == "" {
					continue
				}
				key := dedupKey{ruleID: ruleID, value: value}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}

				facts = append(facts, fact.Fact{
					ID:             v.ID,
					Identifier:     v.Identifier,
					SnapshotID:     v.SnapshotID,
					Origin:         prov.Origin,
					Network:        network,
					Repository:     prov.Repository,
					Institution:    prov.Institution,
					MetadataPrefix: prov.MetadataPrefix,
					SetSpec:        prov.SetSpec,
					RuleID:         ruleID,
					Value:          value,
					IsValid:        isValid,
					RecordIsValid:  v.RecordIsValid,
					IsTransformed:  v.IsTransformed,
				})
			}
		}
	}

	explodeSide(v.ValidOccurrences, true)
	explodeSide(v.InvalidOccurrences, false)

	return facts, warnings
}

type dedupKey struct {
	ruleID int32
	value  string
}

func parseRuleID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("rule id %q does not parse as an integer: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("rule id %q is negative", s)
	}
	return int32(n), nil
}
