// Package matcher implements AtomMatcher: a pure predicate over a single
// event's fields (spec §4.2), compiled once at config-install time into an
// evaluation tree and re-evaluated, stateless, per incoming event.
package matcher

import (
	"fmt"

	"github.com/statsdengine/statsdengine/internal/event"
)

// Op is the comparison applied by a field constraint.
type Op int

const (
	OpEqInt Op = iota
	OpEqString
	OpEqBool
	OpLt
	OpGt
	OpLtFloat
	OpGtFloat
)

// Position selects which element(s) of an attribution chain a constraint
// must hold for.
type Position int

const (
	PositionFirst Position = iota
	PositionLast
	PositionAny
	PositionAll
)

// FieldConstraint is one leaf test within a Simple matcher.
type FieldConstraint struct {
	Path     event.FieldPath
	Op       Op
	IntLit   int64
	FloatLit float32
	StrLit   string
	BoolLit  bool

	// Attribution is set when Path.Field identifies a repeated
	// attribution-chain field; Pos then selects which occurrences must
	// satisfy the constraint.
	Attribution bool
	Pos         Position
}

// CombinationOp is the boolean operator of a Combination matcher.
type CombinationOp int

const (
	OpAnd CombinationOp = iota
	OpOr
	OpNot
	OpNand
	OpNor
)

// Matcher is either Simple (atom id + field constraints) or Combination
// (boolean tree over child matchers), matching spec §3's AtomMatcher.
type Matcher struct {
	ID int64

	// Simple fields.
	simple      bool
	atomID      uint32
	constraints []FieldConstraint

	// Combination fields.
	combOp   CombinationOp
	children []*Matcher
}

// NewSimple builds a matcher that fires only for events of the given atom
// id whose fields satisfy every constraint.
func NewSimple(id int64, atomID uint32, constraints []FieldConstraint) *Matcher {
	return &Matcher{ID: id, simple: true, atomID: atomID, constraints: constraints}
}

// NewCombination builds a boolean combination of child matchers. NOT
// requires exactly one child.
func NewCombination(id int64, op CombinationOp, children []*Matcher) (*Matcher, error) {
	if op == OpNot && len(children) != 1 {
		return nil, fmt.Errorf("matcher %d: NOT requires exactly one child, got %d", id, len(children))
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("matcher %d: combination requires at least one child", id)
	}
	return &Matcher{ID: id, simple: false, combOp: op, children: children}, nil
}

// Matches evaluates the matcher against an event. Matchers are pure and
// hold no state across calls (spec §4.2).
func (m *Matcher) Matches(e *event.Event) bool {
	if m.simple {
		return m.matchesSimple(e)
	}
	return m.matchesCombination(e)
}

func (m *Matcher) matchesSimple(e *event.Event) bool {
	if e.AtomID != m.atomID {
		return false
	}
	for _, c := range m.constraints {
		if !checkConstraint(e, c) {
			return false
		}
	}
	return true
}

// matchesCombination short-circuits in child order (spec §4.2).
func (m *Matcher) matchesCombination(e *event.Event) bool {
	switch m.combOp {
	case OpAnd:
		for _, c := range m.children {
			if !c.Matches(e) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range m.children {
			if c.Matches(e) {
				return true
			}
		}
		return false
	case OpNot:
		return !m.children[0].Matches(e)
	case OpNand:
		for _, c := range m.children {
			if !c.Matches(e) {
				return true
			}
		}
		return false
	case OpNor:
		for _, c := range m.children {
			if c.Matches(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func checkConstraint(e *event.Event, c FieldConstraint) bool {
	if c.Attribution {
		chain := e.AttributionChain(c.Path.Field)
		return checkAttributionChain(chain, c)
	}
	v, ok := e.Field(c.Path.Field, c.Path.Position)
	if !ok {
		return false
	}
	return evalOp(v, c)
}

func checkAttributionChain(chain []event.Value, c FieldConstraint) bool {
	if len(chain) == 0 {
		return false
	}
	switch c.Pos {
	case PositionFirst:
		return evalOp(chain[0], c)
	case PositionLast:
		return evalOp(chain[len(chain)-1], c)
	case PositionAny:
		for _, v := range chain {
			if evalOp(v, c) {
				return true
			}
		}
		return false
	case PositionAll:
		for _, v := range chain {
			if !evalOp(v, c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func evalOp(v event.Value, c FieldConstraint) bool {
	switch c.Op {
	case OpEqInt:
		switch v.Kind {
		case event.KindInt32:
			return int64(v.Int32) == c.IntLit
		case event.KindInt64:
			return v.Int64 == c.IntLit
		default:
			return false
		}
	case OpEqString:
		return v.Kind == event.KindString && v.Str == c.StrLit
	case OpEqBool:
		return v.Kind == event.KindInt32 && (v.Int32 != 0) == c.BoolLit
	case OpLt:
		n, ok := v.AsFloat64()
		return ok && n < float64(c.IntLit)
	case OpGt:
		n, ok := v.AsFloat64()
		return ok && n > float64(c.IntLit)
	case OpLtFloat:
		n, ok := v.AsFloat64()
		return ok && n < float64(c.FloatLit)
	case OpGtFloat:
		n, ok := v.AsFloat64()
		return ok && n > float64(c.FloatLit)
	default:
		return false
	}
}
