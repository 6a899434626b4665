// Package columnar implements the columnar reader and writer over the
// fact-row schema, plus the filter-to-predicate translator (spec
// §4.2, §4.3, §4.10).
package columnar

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
)

// Column identifies a column a predicate can test. Only the columns
// listed in columnNames (rowgroup_stats.go) are checked against
// row-group statistics; a predicate over any other column, such as
// ColumnIdentifier or ColumnNetwork, still evaluates correctly, it just
// never short-circuits a row group.
type Column int

const (
	ColumnSnapshotID Column = iota
	ColumnIdentifier
	ColumnRuleID
	ColumnIsValid
	ColumnRecordIsValid
	ColumnIsTransformed
	ColumnNetwork
)

// Kind is the operator kind in the {eq, and, or} predicate tree.
type Kind int

const (
	KindEq Kind = iota
	KindAnd
	KindOr
)

// Predicate is a small tree over {eq, and, or} on typed columns:
// boolean, int32, int64, binary (string). A nil *Predicate matches
// every row.
type Predicate struct {
	Kind Kind

	// Eq fields, valid when Kind == KindEq.
	Column   Column
	BoolVal  bool
	Int32Val int32
	Int64Val int64
	StrVal   string

	// And/Or fields, valid when Kind == KindAnd / KindOr.
	Children []*Predicate
}

// Eq builds a leaf equality predicate. The zero value of the unused
// typed fields is harmless since Evaluate dispatches on Column.
func Eq(col Column, val any) *Predicate {
	p := &Predicate{Kind: KindEq, Column: col}
	switch v := val.(type) {
	case bool:
		p.BoolVal = v
	case int32:
		p.Int32Val = v
	case int64:
		p.Int64Val = v
	case string:
		p.StrVal = v
	default:
		panic(fmt.Sprintf("columnar: unsupported predicate value type %T", val))
	}
	return p
}

// And conjoins predicates, dropping nils, and collapses to a single
// child or nil when possible.
func And(preds ...*Predicate) *Predicate {
	var children []*Predicate
	for _, p := range preds {
		if p != nil {
			children = append(children, p)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	default:
		return &Predicate{Kind: KindAnd, Children: children}
	}
}

// Or disjoins predicates, dropping nils.
func Or(preds ...*Predicate) *Predicate {
	var children []*Predicate
	for _, p := range preds {
		if p != nil {
			children = append(children, p)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	default:
		return &Predicate{Kind: KindOr, Children: children}
	}
}

// Evaluate reports whether f satisfies p. A nil predicate always
// matches.
func (p *Predicate) Evaluate(f fact.Fact) bool {
	if p == nil {
		return true
	}
	switch p.Kind {
	case KindAnd:
		for _, c := range p.Children {
			if !c.Evaluate(f) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range p.Children {
			if c.Evaluate(f) {
				return true
			}
		}
		return false
	case KindEq:
		return p.evalEq(f)
	default:
		return false
	}
}

func (p *Predicate) evalEq(f fact.Fact) bool {
	switch p.Column {
	case ColumnSnapshotID:
		return f.SnapshotID == p.Int64Val
	case ColumnIdentifier:
		return f.Identifier == p.StrVal
	case ColumnRuleID:
		return f.RuleID == p.Int32Val
	case ColumnIsValid:
		return f.IsValid == p.BoolVal
	case ColumnRecordIsValid:
		return f.RecordIsValid == p.BoolVal
	case ColumnIsTransformed:
		return f.IsTransformed == p.BoolVal
	case ColumnNetwork:
		return f.Network == p.StrVal
	default:
		return false
	}
}

// Filter is the structured input to BuildPredicate (spec §4.10).
// Every field is optional; a zero-value pointer field means "not
// specified".
type Filter struct {
	SnapshotID        *int64
	Identifier        *string
	IsValid           *bool
	IsTransformed     *bool
	ValidRulesFilter  *string
	InvalidRulesFilter *string
}

// String renders a stable cache key for the filter, used by Count's
// TTL cache (spec §4.9).
func (f Filter) String() string {
	var b strings.Builder
	if f.SnapshotID != nil {
		fmt.Fprintf(&b, "snapshot_id=%d;", *f.SnapshotID)
	}
	if f.Identifier != nil {
		fmt.Fprintf(&b, "identifier=%s;", *f.Identifier)
	}
	if f.IsValid != nil {
		fmt.Fprintf(&b, "is_valid=%t;", *f.IsValid)
	}
	if f.IsTransformed != nil {
		fmt.Fprintf(&b, "is_transformed=%t;", *f.IsTransformed)
	}
	if f.ValidRulesFilter != nil {
		fmt.Fprintf(&b, "valid_rules_filter=%s;", *f.ValidRulesFilter)
	}
	if f.InvalidRulesFilter != nil {
		fmt.Fprintf(&b, "invalid_rules_filter=%s;", *f.InvalidRulesFilter)
	}
	return b.String()
}

// BuildPredicate translates a Filter into a Predicate, following the
// five construction rules of spec §4.10 in order. Malformed numeric
// values are dropped with a warning rather than failing the query.
func BuildPredicate(f Filter) (*Predicate, []string) {
	var clauses []*Predicate
	var warnings []string

	if f.SnapshotID != nil {
		clauses = append(clauses, Eq(ColumnSnapshotID, *f.SnapshotID))
	}
	if f.Identifier != nil {
		clauses = append(clauses, Eq(ColumnIdentifier, *f.Identifier))
	}
	if f.IsValid != nil {
		clauses = append(clauses, Eq(ColumnRecordIsValid, *f.IsValid))
	}
	if f.IsTransformed != nil {
		clauses = append(clauses, Eq(ColumnIsTransformed, *f.IsTransformed))
	}
	if f.ValidRulesFilter != nil {
		ruleID, err := parseRuleFilterValue(*f.ValidRulesFilter)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("valid_rules_filter: %v", err))
		} else {
			clauses = append(clauses, And(Eq(ColumnRuleID, ruleID), Eq(ColumnIsValid, true)))
		}
	}
	if f.InvalidRulesFilter != nil {
		ruleID, err := parseRuleFilterValue(*f.InvalidRulesFilter)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid_rules_filter: %v", err))
		} else {
			clauses = append(clauses, And(Eq(ColumnRuleID, ruleID), Eq(ColumnIsValid, false)))
		}
	}

	return And(clauses...), warnings
}

func parseRuleFilterValue(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("rule id %q does not parse as an integer: %w", s, err)
	}
	return int32(n), nil
}
