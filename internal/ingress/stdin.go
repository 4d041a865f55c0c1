// Package ingress implements the thin glue spec.md treats as an external
// collaborator (§1: "binder/IPC shell... is thin glue and is treated as an
// external collaborator"): decoding an external event stream into
// event.Event values and feeding them to logprocessor.Processor.OnLogEvent.
//
// This reads newline-delimited JSON Event records from an io.Reader (stdin
// in the normal entry point), one allocation-light decode per line, which
// is the minimal realization of spec §9's "single event-ingest thread
// feeds LogProcessor" scheduling model without inventing a transport spec
// never specifies.
package ingress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/statsdengine/statsdengine/internal/event"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
)

// ValueWire is the JSON wire form of event.Value.
type ValueWire struct {
	Field    int32  `json:"field"`
	Position int32  `json:"position"`
	Kind     string `json:"kind"`
	Int32    int32  `json:"int32,omitempty"`
	Int64    int64  `json:"int64,omitempty"`
	Float    float32 `json:"float,omitempty"`
	Str      string `json:"str,omitempty"`
	Binary   []byte `json:"binary,omitempty"`
}

// EventWire is the JSON wire form of one event.Event.
type EventWire struct {
	AtomID    uint32      `json:"atom_id"`
	ElapsedNs uint64      `json:"elapsed_ns"`
	WallNs    uint64      `json:"wall_ns"`
	Values    []ValueWire `json:"values"`
}

func toValue(w ValueWire) (event.Value, error) {
	path := event.FieldPath{Field: w.Field, Position: w.Position}
	switch w.Kind {
	case "int32":
		return event.Int32Value(path, w.Int32), nil
	case "int64":
		return event.Int64Value(path, w.Int64), nil
	case "float":
		return event.FloatValue(path, w.Float), nil
	case "string":
		return event.StringValue(path, w.Str), nil
	case "storage_key":
		return event.StorageKeyValue(path, w.Binary), nil
	default:
		return event.Value{}, fmt.Errorf("ingress: unknown value kind %q", w.Kind)
	}
}

// Reader pumps newline-delimited JSON EventWire records from src into
// proc.OnLogEvent until src is exhausted or ctx-driven cancellation closes
// src out from under the reader.
type Reader struct {
	proc *logprocessor.Processor
	log  *zap.Logger
}

// NewReader constructs a Reader over an already-constructed Processor.
func NewReader(proc *logprocessor.Processor, log *zap.Logger) *Reader {
	return &Reader{proc: proc, log: log}
}

// Run reads lines from src until EOF or error, converting and dispatching
// each one. A malformed line is logged and skipped rather than aborting
// the whole stream, matching spec §9's non-blocking per-event bounded work.
func (r *Reader) Run(src io.Reader) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w EventWire
		if err := json.Unmarshal(line, &w); err != nil {
			r.log.Warn("ingress: malformed event line", zap.Error(err))
			continue
		}
		values := make([]event.Value, 0, len(w.Values))
		ok := true
		for _, vw := range w.Values {
			v, err := toValue(vw)
			if err != nil {
				r.log.Warn("ingress: malformed event value", zap.Error(err))
				ok = false
				break
			}
			values = append(values, v)
		}
		if !ok {
			continue
		}
		e := event.NewEvent(w.AtomID, w.ElapsedNs, w.WallNs, values)
		if err := r.proc.OnLogEvent(e); err != nil {
			r.log.Warn("ingress: dispatch failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingress: scan: %w", err)
	}
	return nil
}
