package cmdserver

import (
	"testing"

	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/wire"
)

func TestOwnerAllowed(t *testing.T) {
	cases := []struct {
		name     string
		req      Request
		engBuild bool
		want     bool
	}{
		{"no caller owner declared", Request{Owner: 5}, false, true},
		{"no target owner declared", Request{CallerOwner: 5}, false, true},
		{"matching owners", Request{CallerOwner: 5, Owner: 5}, false, true},
		{"mismatch, not eng build", Request{CallerOwner: 5, Owner: 6}, false, false},
		{"mismatch, eng build", Request{CallerOwner: 5, Owner: 6}, true, true},
	}
	for _, c := range cases {
		if got := ownerAllowed(c.req, c.engBuild); got != c.want {
			t.Errorf("%s: ownerAllowed = %v, want %v", c.name, got, c.want)
		}
	}
}

// TestEncodeReportProtoRoundTrips confirms the self-defined dump-report
// wire encoding decodes back to the metric ids and dimension keys it was
// given (not a claim of compatibility with any external schema).
func TestEncodeReportProtoRoundTrips(t *testing.T) {
	report := map[int64]map[string][]metric.Bucket{
		42: {
			"abc123": []metric.Bucket{{Count: 3}},
		},
	}

	out, err := encodeReportProto(report)
	if err != nil {
		t.Fatalf("encodeReportProto: %v", err)
	}

	fields, err := wire.NewReader(out).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d top-level fields, want 1", len(fields))
	}

	inner, err := wire.NewReader(fields[0].Bytes).ReadAll()
	if err != nil {
		t.Fatalf("inner ReadAll: %v", err)
	}
	if len(inner) != 2 {
		t.Fatalf("got %d inner fields, want 2 (metric_id + one bucket entry)", len(inner))
	}
	if wire.DecodeInt64Field(inner[0]) != 42 {
		t.Fatalf("metric_id = %d, want 42", inner[0].Varint)
	}

	entryFields, err := wire.NewReader(inner[1].Bytes).ReadAll()
	if err != nil {
		t.Fatalf("entry ReadAll: %v", err)
	}
	if len(entryFields) != 1 || string(entryFields[0].Bytes) != "abc123" {
		t.Fatalf("entry fields = %+v, want dimension key abc123", entryFields)
	}
}
