package event_test

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/event"
)

func TestNewEventCopiesValuesDefensively(t *testing.T) {
	vals := []event.Value{event.Int32Value(event.FieldPath{Field: 1}, 7)}
	e := event.NewEvent(10, 100, 200, vals)

	vals[0] = event.Int32Value(event.FieldPath{Field: 1}, 99)

	got, ok := e.Field(1, -1)
	if !ok || got.Int32 != 7 {
		t.Fatalf("Field(1,-1) = %+v, ok=%v, want Int32=7 unaffected by caller mutation", got, ok)
	}
}

func TestFieldMatchesExactPositionOrAnyWithNegativeOne(t *testing.T) {
	e := event.NewEvent(10, 0, 0, []event.Value{
		event.StringValue(event.FieldPath{Field: 1, Position: 0}, "a"),
		event.StringValue(event.FieldPath{Field: 1, Position: 1}, "b"),
	})

	v, ok := e.Field(1, 1)
	if !ok || v.Str != "b" {
		t.Fatalf("Field(1,1) = %+v, ok=%v, want Str=b", v, ok)
	}

	v, ok = e.Field(1, -1)
	if !ok || v.Str != "a" {
		t.Fatalf("Field(1,-1) = %+v, ok=%v, want first occurrence Str=a", v, ok)
	}

	if _, ok := e.Field(2, -1); ok {
		t.Fatal("Field(2,-1) found a value for an absent field")
	}
}

func TestAttributionChainReturnsAllValuesForFieldInPositionOrder(t *testing.T) {
	e := event.NewEvent(10, 0, 0, []event.Value{
		event.StringValue(event.FieldPath{Field: 1, Position: 0}, "uidA"),
		event.Int32Value(event.FieldPath{Field: 2, Position: 0}, 1),
		event.StringValue(event.FieldPath{Field: 1, Position: 1}, "uidB"),
	})

	chain := e.AttributionChain(1)
	if len(chain) != 2 || chain[0].Str != "uidA" || chain[1].Str != "uidB" {
		t.Fatalf("AttributionChain(1) = %+v, want [uidA uidB]", chain)
	}

	if chain := e.AttributionChain(3); chain != nil {
		t.Fatalf("AttributionChain(3) = %+v, want nil for absent field", chain)
	}
}

func TestAsFloat64WidensNumericKindsAndRejectsOthers(t *testing.T) {
	cases := []struct {
		name string
		v    event.Value
		want float64
		ok   bool
	}{
		{"int32", event.Int32Value(event.FieldPath{}, 5), 5, true},
		{"int64", event.Int64Value(event.FieldPath{}, 9), 9, true},
		{"float", event.FloatValue(event.FieldPath{}, 2.5), 2.5, true},
		{"string", event.StringValue(event.FieldPath{}, "x"), 0, false},
		{"storage_key", event.StorageKeyValue(event.FieldPath{}, []byte{1}), 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := c.v.AsFloat64()
			if ok != c.ok || got != c.want {
				t.Fatalf("AsFloat64() = (%v, %v), want (%v, %v)", got, ok, c.want, c.ok)
			}
		})
	}
}

func TestKindStringCoversAllVariants(t *testing.T) {
	cases := map[event.Kind]string{
		event.KindInt32:      "int32",
		event.KindInt64:      "int64",
		event.KindFloat:      "float",
		event.KindString:     "string",
		event.KindStorageKey: "storage_key",
		event.Kind(99):       "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
