package matcher_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/matcher"
)

func intEvent(atomID uint32, field int32, v int32) *event.Event {
	return event.NewEvent(atomID, 0, 0, []event.Value{event.Int32Value(event.FieldPath{Field: field}, v)})
}

// TestSimpleMatcherAtomAndConstraint covers a plain atom-id + field
// constraint leaf (spec §4.2).
func TestSimpleMatcherAtomAndConstraint(t *testing.T) {
	m := matcher.NewSimple(1, 42, []matcher.FieldConstraint{
		{Path: event.FieldPath{Field: 1}, Op: matcher.OpEqInt, IntLit: 7},
	})

	if !m.Matches(intEvent(42, 1, 7)) {
		t.Fatal("expected match on atom 42 field==7")
	}
	if m.Matches(intEvent(42, 1, 8)) {
		t.Fatal("expected no match when field != 7")
	}
	if m.Matches(intEvent(99, 1, 7)) {
		t.Fatal("expected no match on a different atom id")
	}
}

// TestCombinationMatchersShortCircuit covers AND/OR/NOT evaluation over
// child matchers.
func TestCombinationMatchersShortCircuit(t *testing.T) {
	a := matcher.NewSimple(1, 42, []matcher.FieldConstraint{{Path: event.FieldPath{Field: 1}, Op: matcher.OpEqInt, IntLit: 1}})
	b := matcher.NewSimple(2, 42, []matcher.FieldConstraint{{Path: event.FieldPath{Field: 2}, Op: matcher.OpEqInt, IntLit: 2}})

	and, err := matcher.NewCombination(3, matcher.OpAnd, []*matcher.Matcher{a, b})
	if err != nil {
		t.Fatalf("NewCombination(and): %v", err)
	}
	or, err := matcher.NewCombination(4, matcher.OpOr, []*matcher.Matcher{a, b})
	if err != nil {
		t.Fatalf("NewCombination(or): %v", err)
	}
	not, err := matcher.NewCombination(5, matcher.OpNot, []*matcher.Matcher{a})
	if err != nil {
		t.Fatalf("NewCombination(not): %v", err)
	}

	full := event.NewEvent(42, 0, 0, []event.Value{
		event.Int32Value(event.FieldPath{Field: 1}, 1),
		event.Int32Value(event.FieldPath{Field: 2}, 2),
	})
	onlyA := event.NewEvent(42, 0, 0, []event.Value{event.Int32Value(event.FieldPath{Field: 1}, 1)})

	if !and.Matches(full) {
		t.Fatal("AND should match when both children match")
	}
	if and.Matches(onlyA) {
		t.Fatal("AND should not match when only one child matches")
	}
	if !or.Matches(onlyA) {
		t.Fatal("OR should match when one child matches")
	}
	if !not.Matches(intEvent(42, 2, 2)) {
		t.Fatal("NOT(a) should match when a does not hold")
	}
	if not.Matches(full) {
		t.Fatal("NOT(a) should not match when a holds")
	}
}

// TestNotRequiresExactlyOneChild covers the construction-time invariant.
func TestNotRequiresExactlyOneChild(t *testing.T) {
	a := matcher.NewSimple(1, 42, nil)
	b := matcher.NewSimple(2, 42, nil)
	if _, err := matcher.NewCombination(3, matcher.OpNot, []*matcher.Matcher{a, b}); err == nil {
		t.Fatal("expected error constructing NOT with two children")
	}
}

// TestAttributionChainPositions covers the first/last/any/all selector
// over a repeated attribution field.
func TestAttributionChainPositions(t *testing.T) {
	e := event.NewEvent(1, 0, 0, []event.Value{
		event.StringValue(event.FieldPath{Field: 9, Position: 0}, "alice"),
		event.StringValue(event.FieldPath{Field: 9, Position: 1}, "bob"),
	})

	first := matcher.NewSimple(1, 1, []matcher.FieldConstraint{
		{Path: event.FieldPath{Field: 9}, Op: matcher.OpEqString, StrLit: "alice", Attribution: true, Pos: matcher.PositionFirst},
	})
	last := matcher.NewSimple(2, 1, []matcher.FieldConstraint{
		{Path: event.FieldPath{Field: 9}, Op: matcher.OpEqString, StrLit: "alice", Attribution: true, Pos: matcher.PositionLast},
	})
	any := matcher.NewSimple(3, 1, []matcher.FieldConstraint{
		{Path: event.FieldPath{Field: 9}, Op: matcher.OpEqString, StrLit: "bob", Attribution: true, Pos: matcher.PositionAny},
	})
	all := matcher.NewSimple(4, 1, []matcher.FieldConstraint{
		{Path: event.FieldPath{Field: 9}, Op: matcher.OpEqString, StrLit: "alice", Attribution: true, Pos: matcher.PositionAll},
	})

	if !first.Matches(e) {
		t.Error("first should match alice")
	}
	if last.Matches(e) {
		t.Error("last should not match alice (last is bob)")
	}
	if !any.Matches(e) {
		t.Error("any should match bob present in chain")
	}
	if all.Matches(e) {
		t.Error("all should not match, since bob != alice")
	}
}
