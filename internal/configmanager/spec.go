// Package configmanager implements ConfigManager: compiles a declarative
// configuration (matchers, conditions, metrics, alerts) into the arenas
// internal/logprocessor dispatches against, enforcing the guardrail caps at
// install time and quarantining configs that fail an internal invariant
// into a bounded icebox (spec §4.9, SPEC_FULL.md §12.3).
//
// No `StatsdConfig.proto` exists anywhere in the retrieval pack (confirmed:
// no `.proto` file, no generated stub), so the wire shape a config arrives
// in is this package's own JSON-serializable schema rather than a decoded
// third-party protobuf message — see DESIGN.md's resolution of spec §6's
// "encoded StatsdConfig bytes" for the reasoning.
package configmanager

import "github.com/statsdengine/statsdengine/internal/matcher"

// FieldConstraintSpec is the JSON form of one matcher.FieldConstraint leaf.
type FieldConstraintSpec struct {
	Field       int32  `json:"field"`
	Position    int32  `json:"position,omitempty"`
	Op          string `json:"op"` // eq_int, eq_string, eq_bool, lt, gt, lt_float, gt_float
	IntLit      int64  `json:"int_lit,omitempty"`
	FloatLit    float32 `json:"float_lit,omitempty"`
	StrLit      string `json:"str_lit,omitempty"`
	BoolLit     bool   `json:"bool_lit,omitempty"`
	Attribution bool   `json:"attribution,omitempty"`
	Pos         string `json:"pos,omitempty"` // first, last, any, all
}

// MatcherSpec is the JSON form of one spec §3 AtomMatcher: either a simple
// atom-id-plus-constraints leaf, or a boolean combination of other matchers
// referenced by id.
type MatcherSpec struct {
	ID int64 `json:"id"`

	// Simple matcher fields. A non-empty CombinationOp, not AtomID,
	// marks a combination.
	AtomID      uint32                `json:"atom_id,omitempty"`
	Constraints []FieldConstraintSpec `json:"constraints,omitempty"`

	// Combination matcher fields.
	CombinationOp string  `json:"combination_op,omitempty"` // and, or, not, nand, nor
	Children      []int64 `json:"children,omitempty"`       // matcher ids
}

// FieldPathSpec is the JSON form of an event.FieldPath.
type FieldPathSpec struct {
	Field    int32 `json:"field"`
	Position int32 `json:"position,omitempty"`
}

// DimensionSpec is the JSON form of a dimension.Spec.
type DimensionSpec struct {
	Paths []FieldPathSpec `json:"paths,omitempty"`
}

// LinkSpec is the JSON form of a metric.Link.
type LinkSpec struct {
	ConditionField FieldPathSpec `json:"condition_field"`
	SourceField    FieldPathSpec `json:"source_field"`
}

// PredicateSpec is the JSON form of one spec §3 ConditionTracker: either a
// simple start/stop/stop_all matcher triple sliced by a dimension, or a
// boolean combination of other predicates referenced by id.
type PredicateSpec struct {
	ID int64 `json:"id"`

	// Simple predicate fields.
	StartMatcherID   int64         `json:"start_matcher_id,omitempty"`
	StopMatcherID    int64         `json:"stop_matcher_id,omitempty"`
	StopAllMatcherID int64         `json:"stop_all_matcher_id,omitempty"`
	HasStopAll       bool          `json:"has_stop_all,omitempty"`
	DimSpec          DimensionSpec `json:"dimension,omitempty"`
	InitialTrue      bool          `json:"initial_true,omitempty"`
	CountNesting     bool          `json:"count_nesting,omitempty"`

	// Combination predicate fields. Op set means "this is a combination".
	Op       string  `json:"op,omitempty"` // and, or, not, nand, nor
	Children []int64 `json:"children,omitempty"`
}

// AlertSpec is the JSON form of one spec §4.5 AnomalyTracker configuration,
// attached to a MetricSpec through its Alert field.
type AlertSpec struct {
	ID                   int64   `json:"id"`
	TriggerIfSumGT       float64 `json:"trigger_if_sum_gt"`
	NumBuckets           int     `json:"num_buckets"`
	RefractoryPeriodSecs uint32  `json:"refractory_period_secs"`
}

// MetricSpec is the JSON form of one spec §4.4 MetricProducer.
type MetricSpec struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"` // count, value, duration, gauge, event_list

	// Dimensioning, shared by every kind.
	DimInWhat      DimensionSpec `json:"dim_in_what,omitempty"`
	DimInCondition DimensionSpec `json:"dim_in_condition,omitempty"`
	ConditionID    int64         `json:"condition_id,omitempty"`
	ConditionSliced bool         `json:"condition_sliced,omitempty"`
	Links          []LinkSpec    `json:"links,omitempty"`

	// Count/Value/Gauge/EventList: the single matcher driving
	// OnMatchedLogEvent.
	MatcherID int64 `json:"matcher_id,omitempty"`

	// Duration only.
	StartMatcherID    int64  `json:"start_matcher_id,omitempty"`
	StopMatcherID     int64  `json:"stop_matcher_id,omitempty"`
	StopAllMatcherID  int64  `json:"stop_all_matcher_id,omitempty"`
	HasStopAll        bool   `json:"has_stop_all,omitempty"`
	DurationNesting   bool   `json:"duration_nesting,omitempty"`
	DurationAnyOf     bool   `json:"duration_any_of,omitempty"` // true: oring ("any of"); false: max
	ConditionGated    bool   `json:"condition_gated,omitempty"`

	// Value only.
	ValueField FieldPathSpec `json:"value_field,omitempty"`
	Pulled     bool          `json:"pulled,omitempty"`
	PullAtomID uint32        `json:"pull_atom_id,omitempty"`

	// Gauge only.
	GaugeFields  []FieldPathSpec `json:"gauge_fields,omitempty"`
	SampleRandom bool            `json:"sample_random,omitempty"`
	SampleFirstN int             `json:"sample_first_n,omitempty"`

	// Alert attached to this metric, if any.
	Alert *AlertSpec `json:"alert,omitempty"`
}

// ConfigSpec is the JSON form of one complete StatsdConfig (spec §3/§6):
// the full arena of matchers, conditions, and metrics for one
// (owner, config_id) key.
type ConfigSpec struct {
	Owner    int64 `json:"owner"`
	ConfigID int64 `json:"config_id"`

	// EngBuild marks a config installed by a debug/eng-build caller
	// allowed to declare an Owner different from its own uid (SPEC_FULL.md
	// §13's "eng build owner-impersonation escape hatch").
	EngBuild bool `json:"eng_build,omitempty"`

	Matchers   []MatcherSpec   `json:"matchers"`
	Predicates []PredicateSpec `json:"predicates,omitempty"`
	Metrics    []MetricSpec    `json:"metrics"`
}

func matcherOp(s string) matcher.CombinationOp {
	switch s {
	case "or":
		return matcher.OpOr
	case "not":
		return matcher.OpNot
	case "nand":
		return matcher.OpNand
	case "nor":
		return matcher.OpNor
	default:
		return matcher.OpAnd
	}
}

func matcherFieldOp(s string) matcher.Op {
	switch s {
	case "eq_string":
		return matcher.OpEqString
	case "eq_bool":
		return matcher.OpEqBool
	case "lt":
		return matcher.OpLt
	case "gt":
		return matcher.OpGt
	case "lt_float":
		return matcher.OpLtFloat
	case "gt_float":
		return matcher.OpGtFloat
	default:
		return matcher.OpEqInt
	}
}

func matcherPosition(s string) matcher.Position {
	switch s {
	case "last":
		return matcher.PositionLast
	case "any":
		return matcher.PositionAny
	case "all":
		return matcher.PositionAll
	default:
		return matcher.PositionFirst
	}
}
