package domain

// RuleKind enumerates the closed set of transformation rule variants.
type RuleKind string

const (
	RuleKindFilter    RuleKind = "filter"
	RuleKindSelect    RuleKind = "select"
	RuleKindRename    RuleKind = "rename"
	RuleKindCast      RuleKind = "cast"
	RuleKindAggregate RuleKind = "aggregate"
	RuleKindJoin      RuleKind = "join"
	RuleKindPivot     RuleKind = "pivot"
	RuleKindDerive    RuleKind = "derive"
	RuleKindClean     RuleKind = "clean"
	RuleKindValidate  RuleKind = "validate"
)

// Rule is a tagged variant: Kind selects which params field is set.
// Rules are applied in order as pure row-batch transforms.
type Rule struct {
	Kind RuleKind

	Filter    *FilterRule
	Select    *SelectRule
	Rename    *RenameRule
	Cast      *CastRule
	Aggregate *AggregateRule
	Join      *JoinRule
	Pivot     *PivotRule
	Derive    *DeriveRule
	Clean     *CleanRule
	Validate  *ValidateRule
}

// DatasetLevel reports whether the rule needs the whole row set at once
// (aggregate, join, pivot) rather than operating chunk by chunk.
func (r Rule) DatasetLevel() bool {
	switch r.Kind {
	case RuleKindAggregate, RuleKindJoin, RuleKindPivot:
		return true
	}
	return false
}

// FilterRule keeps rows where Column Op Value holds.
type FilterRule struct {
	Column string
	Op     FilterOp
	Value  string
}

type FilterOp string

const (
	FilterOpEq       FilterOp = "eq"
	FilterOpNe       FilterOp = "ne"
	FilterOpGt       FilterOp = "gt"
	FilterOpLt       FilterOp = "lt"
	FilterOpGe       FilterOp = "ge"
	FilterOpLe       FilterOp = "le"
	FilterOpContains FilterOp = "contains"
)

// SelectRule keeps only the named columns, in the given order.
type SelectRule struct {
	Columns []string
}

// RenameRule renames columns according to Mapping (old name to new name).
type RenameRule struct {
	Mapping map[string]string
}

// CastRule converts Column values to Type. Layout applies to "time".
type CastRule struct {
	Column string
	Type   CastType
	Layout string
}

type CastType string

const (
	CastString CastType = "string"
	CastInt    CastType = "int"
	CastFloat  CastType = "float"
	CastBool   CastType = "bool"
	CastTime   CastType = "time"
)

// AggregateRule groups rows by GroupBy and computes Outputs per group.
type AggregateRule struct {
	GroupBy []string
	Outputs []AggregateOutput
}

type AggregateOutput struct {
	Column string
	Func   AggregateFunc
	As     string
}

type AggregateFunc string

const (
	AggSum   AggregateFunc = "sum"
	AggCount AggregateFunc = "count"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggAvg   AggregateFunc = "avg"
)

// JoinRule joins rows against a secondary source on LeftKey = RightKey.
type JoinRule struct {
	Source   SourceConfig
	LeftKey  string
	RightKey string
	Type     JoinType
}

type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// PivotRule spreads ColumnsFrom values into columns, filling cells with
// ValuesFrom grouped by IndexColumn. Duplicate cells are summed.
type PivotRule struct {
	IndexColumn string
	ColumnsFrom string
	ValuesFrom  string
}

// DeriveRule computes a new column from two operands. Each operand is a
// column reference or a numeric literal; Op is one of + - * /.
type DeriveRule struct {
	Column string
	Left   string
	Op     string
	Right  string
}

// CleanRule normalizes string values in Columns (all columns when empty).
type CleanRule struct {
	Columns   []string
	Trim      bool
	Lowercase bool
	Uppercase bool
}

// ValidateRule checks Column values and either drops or fails on violation.
type ValidateRule struct {
	Column   string
	Required bool
	Pattern  string
	Min      *float64
	Max      *float64
	OnFail   ValidateAction
}

type ValidateAction string

const (
	ValidateDrop ValidateAction = "drop"
	ValidateFail ValidateAction = "fail"
)
