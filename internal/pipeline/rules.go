package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

// LookupFunc materializes a secondary source for join rules.
type LookupFunc func(ctx context.Context, src domain.SourceConfig) (Batch, error)

// Transformer applies an ordered rule list to row batches. Rules up to the
// first dataset-level rule (aggregate, join, pivot) run chunk by chunk;
// the remainder runs once over the materialized row set.
type Transformer struct {
	chunkRules []domain.Rule
	tailRules  []domain.Rule
	lookup     LookupFunc
	patterns   map[string]*regexp.Regexp
}

// NewTransformer validates the rule list and returns a transformer.
// Structural problems (unknown kind, missing params, bad regexp) are
// reported as configuration errors.
func NewTransformer(rules []domain.Rule, lookup LookupFunc) (*Transformer, error) {
	t := &Transformer{lookup: lookup, patterns: make(map[string]*regexp.Regexp)}

	split := len(rules)
	for i, r := range rules {
		if err := t.validateRule(r); err != nil {
			return nil, err
		}
		if r.DatasetLevel() && i < split {
			split = i
		}
	}

	t.chunkRules = rules[:split]
	t.tailRules = rules[split:]
	return t, nil
}

// HasDatasetRules reports whether a final whole-set pass is needed.
func (t *Transformer) HasDatasetRules() bool {
	return len(t.tailRules) > 0
}

// ApplyChunk runs the chunkwise rule prefix over one batch.
func (t *Transformer) ApplyChunk(ctx context.Context, batch Batch) (Batch, error) {
	return t.applyRules(ctx, t.chunkRules, batch)
}

// ApplyDataset runs the remaining rules over the materialized rows.
func (t *Transformer) ApplyDataset(ctx context.Context, rows Batch) (Batch, error) {
	return t.applyRules(ctx, t.tailRules, rows)
}

func (t *Transformer) applyRules(ctx context.Context, rules []domain.Rule, batch Batch) (Batch, error) {
	var err error
	for _, r := range rules {
		batch, err = t.applyRule(ctx, r, batch)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Kind, err)
		}
	}
	return batch, nil
}

func (t *Transformer) validateRule(r domain.Rule) error {
	switch r.Kind {
	case domain.RuleKindFilter:
		if r.Filter == nil || r.Filter.Column == "" {
			return domain.ConfigErrorf("filter rule missing column")
		}
	case domain.RuleKindSelect:
		if r.Select == nil || len(r.Select.Columns) == 0 {
			return domain.ConfigErrorf("select rule missing columns")
		}
	case domain.RuleKindRename:
		if r.Rename == nil || len(r.Rename.Mapping) == 0 {
			return domain.ConfigErrorf("rename rule missing mapping")
		}
	case domain.RuleKindCast:
		if r.Cast == nil || r.Cast.Column == "" {
			return domain.ConfigErrorf("cast rule missing column")
		}
		switch r.Cast.Type {
		case domain.CastString, domain.CastInt, domain.CastFloat, domain.CastBool, domain.CastTime:
		default:
			return domain.ConfigErrorf("cast rule: unknown type %q", r.Cast.Type)
		}
	case domain.RuleKindAggregate:
		if r.Aggregate == nil || len(r.Aggregate.Outputs) == 0 {
			return domain.ConfigErrorf("aggregate rule missing outputs")
		}
	case domain.RuleKindJoin:
		if r.Join == nil || r.Join.LeftKey == "" || r.Join.RightKey == "" {
			return domain.ConfigErrorf("join rule missing keys")
		}
		if t.lookup == nil {
			return domain.ConfigErrorf("join rule requires a source lookup")
		}
	case domain.RuleKindPivot:
		if r.Pivot == nil || r.Pivot.IndexColumn == "" || r.Pivot.ColumnsFrom == "" || r.Pivot.ValuesFrom == "" {
			return domain.ConfigErrorf("pivot rule missing columns")
		}
	case domain.RuleKindDerive:
		if r.Derive == nil || r.Derive.Column == "" {
			return domain.ConfigErrorf("derive rule missing column")
		}
		switch r.Derive.Op {
		case "+", "-", "*", "/":
		default:
			return domain.ConfigErrorf("derive rule: unknown op %q", r.Derive.Op)
		}
	case domain.RuleKindClean:
		if r.Clean == nil {
			return domain.ConfigErrorf("clean rule missing params")
		}
	case domain.RuleKindValidate:
		if r.Validate == nil || r.Validate.Column == "" {
			return domain.ConfigErrorf("validate rule missing column")
		}
		if p := r.Validate.Pattern; p != "" {
			re, err := regexp.Compile(p)
			if err != nil {
				return domain.ConfigErrorf("validate rule: bad pattern %q: %v", p, err)
			}
			t.patterns[p] = re
		}
	default:
		return domain.ConfigErrorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

func (t *Transformer) applyRule(ctx context.Context, r domain.Rule, batch Batch) (Batch, error) {
	switch r.Kind {
	case domain.RuleKindFilter:
		return applyFilter(*r.Filter, batch), nil
	case domain.RuleKindSelect:
		return applySelect(*r.Select, batch), nil
	case domain.RuleKindRename:
		return applyRename(*r.Rename, batch), nil
	case domain.RuleKindCast:
		return applyCast(*r.Cast, batch)
	case domain.RuleKindAggregate:
		return applyAggregate(*r.Aggregate, batch)
	case domain.RuleKindJoin:
		return t.applyJoin(ctx, *r.Join, batch)
	case domain.RuleKindPivot:
		return applyPivot(*r.Pivot, batch), nil
	case domain.RuleKindDerive:
		return applyDerive(*r.Derive, batch)
	case domain.RuleKindClean:
		return applyClean(*r.Clean, batch), nil
	case domain.RuleKindValidate:
		return t.applyValidate(*r.Validate, batch)
	}
	return nil, domain.ConfigErrorf("unknown rule kind %q", r.Kind)
}

func applyFilter(r domain.FilterRule, batch Batch) Batch {
	out := batch[:0:0]
	for _, row := range batch {
		v, ok := row[r.Column]
		if !ok {
			continue
		}
		if filterMatch(v, r.Op, r.Value) {
			out = append(out, row)
		}
	}
	return out
}

func filterMatch(v any, op domain.FilterOp, want string) bool {
	if op == domain.FilterOpContains {
		return strings.Contains(asString(v), want)
	}

	// Numeric comparison when both sides parse; lexical otherwise.
	var cmp int
	if lf, lok := asFloat(v); lok {
		if rf, rok := strconv.ParseFloat(want, 64); rok == nil {
			switch {
			case lf < rf:
				cmp = -1
			case lf > rf:
				cmp = 1
			}
			return cmpMatches(op, cmp)
		}
	}
	cmp = strings.Compare(asString(v), want)
	return cmpMatches(op, cmp)
}

func cmpMatches(op domain.FilterOp, cmp int) bool {
	switch op {
	case domain.FilterOpEq:
		return cmp == 0
	case domain.FilterOpNe:
		return cmp != 0
	case domain.FilterOpGt:
		return cmp > 0
	case domain.FilterOpLt:
		return cmp < 0
	case domain.FilterOpGe:
		return cmp >= 0
	case domain.FilterOpLe:
		return cmp <= 0
	}
	return false
}

func applySelect(r domain.SelectRule, batch Batch) Batch {
	out := make(Batch, 0, len(batch))
	for _, row := range batch {
		next := make(Row, len(r.Columns))
		for _, col := range r.Columns {
			if v, ok := row[col]; ok {
				next[col] = v
			}
		}
		out = append(out, next)
	}
	return out
}

func applyRename(r domain.RenameRule, batch Batch) Batch {
	for _, row := range batch {
		for from, to := range r.Mapping {
			if v, ok := row[from]; ok {
				delete(row, from)
				row[to] = v
			}
		}
	}
	return batch
}

func applyCast(r domain.CastRule, batch Batch) (Batch, error) {
	for i, row := range batch {
		v, ok := row[r.Column]
		if !ok {
			continue
		}
		cast, err := castValue(v, r.Type, r.Layout)
		if err != nil {
			return nil, fmt.Errorf("row %d, column %q: %w", i, r.Column, err)
		}
		row[r.Column] = cast
	}
	return batch, nil
}

func castValue(v any, typ domain.CastType, layout string) (any, error) {
	s := asString(v)
	switch typ {
	case domain.CastString:
		return s, nil
	case domain.CastInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to int", s)
		}
		return n, nil
	case domain.CastFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to float", s)
		}
		return f, nil
	case domain.CastBool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to bool", s)
		}
		return b, nil
	case domain.CastTime:
		if layout == "" {
			layout = time.RFC3339
		}
		ts, err := time.Parse(layout, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to time with layout %q", s, layout)
		}
		return ts, nil
	}
	return nil, fmt.Errorf("unknown cast type %q", typ)
}

func applyAggregate(r domain.AggregateRule, batch Batch) (Batch, error) {
	type group struct {
		key    Row
		sums   map[string]float64
		mins   map[string]float64
		maxs   map[string]float64
		counts map[string]int64
		n      int64
	}

	groups := make(map[string]*group)
	var order []string

	for _, row := range batch {
		var kb strings.Builder
		for _, col := range r.GroupBy {
			kb.WriteString(asString(row[col]))
			kb.WriteByte(0)
		}
		key := kb.String()

		g, ok := groups[key]
		if !ok {
			g = &group{
				key:    make(Row, len(r.GroupBy)),
				sums:   make(map[string]float64),
				mins:   make(map[string]float64),
				maxs:   make(map[string]float64),
				counts: make(map[string]int64),
			}
			for _, col := range r.GroupBy {
				g.key[col] = row[col]
			}
			groups[key] = g
			order = append(order, key)
		}
		g.n++

		for _, out := range r.Outputs {
			if out.Func == domain.AggCount {
				continue
			}
			f, ok := asFloat(row[out.Column])
			if !ok {
				continue
			}
			if g.counts[out.Column] == 0 {
				g.mins[out.Column] = f
				g.maxs[out.Column] = f
			} else {
				if f < g.mins[out.Column] {
					g.mins[out.Column] = f
				}
				if f > g.maxs[out.Column] {
					g.maxs[out.Column] = f
				}
			}
			g.sums[out.Column] += f
			g.counts[out.Column]++
		}
	}

	out := make(Batch, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		row := make(Row, len(g.key)+len(r.Outputs))
		for k, v := range g.key {
			row[k] = v
		}
		for _, o := range r.Outputs {
			name := o.As
			if name == "" {
				name = string(o.Func) + "_" + o.Column
			}
			switch o.Func {
			case domain.AggCount:
				row[name] = g.n
			case domain.AggSum:
				row[name] = g.sums[o.Column]
			case domain.AggMin:
				row[name] = g.mins[o.Column]
			case domain.AggMax:
				row[name] = g.maxs[o.Column]
			case domain.AggAvg:
				if c := g.counts[o.Column]; c > 0 {
					row[name] = g.sums[o.Column] / float64(c)
				} else {
					row[name] = 0.0
				}
			default:
				return nil, domain.ConfigErrorf("unknown aggregate func %q", o.Func)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *Transformer) applyJoin(ctx context.Context, r domain.JoinRule, batch Batch) (Batch, error) {
	right, err := t.lookup(ctx, r.Source)
	if err != nil {
		return nil, fmt.Errorf("load join source: %w", err)
	}

	index := make(map[string]Row, len(right))
	for _, row := range right {
		index[asString(row[r.RightKey])] = row
	}

	out := make(Batch, 0, len(batch))
	for _, row := range batch {
		match, ok := index[asString(row[r.LeftKey])]
		if !ok {
			if r.Type == domain.JoinLeft {
				out = append(out, row)
			}
			continue
		}
		for k, v := range match {
			if k == r.RightKey {
				continue
			}
			if _, exists := row[k]; !exists {
				row[k] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func applyPivot(r domain.PivotRule, batch Batch) Batch {
	pivoted := make(map[string]Row)
	var order []string

	for _, row := range batch {
		idx := asString(row[r.IndexColumn])
		p, ok := pivoted[idx]
		if !ok {
			p = Row{r.IndexColumn: row[r.IndexColumn]}
			pivoted[idx] = p
			order = append(order, idx)
		}
		col := asString(row[r.ColumnsFrom])
		if col == "" {
			continue
		}
		v, _ := asFloat(row[r.ValuesFrom])
		if prev, ok := asFloat(p[col]); ok {
			v += prev
		}
		p[col] = v
	}

	out := make(Batch, 0, len(pivoted))
	for _, idx := range order {
		out = append(out, pivoted[idx])
	}
	return out
}

func applyDerive(r domain.DeriveRule, batch Batch) (Batch, error) {
	for i, row := range batch {
		left, lok := operand(row, r.Left)
		right, rok := operand(row, r.Right)
		if !lok || !rok {
			// String concatenation fallback for +.
			if r.Op == "+" {
				row[r.Column] = operandString(row, r.Left) + operandString(row, r.Right)
				continue
			}
			return nil, fmt.Errorf("row %d: non-numeric operand for %q", i, r.Op)
		}
		switch r.Op {
		case "+":
			row[r.Column] = left + right
		case "-":
			row[r.Column] = left - right
		case "*":
			row[r.Column] = left * right
		case "/":
			if right == 0 {
				return nil, fmt.Errorf("row %d: division by zero", i)
			}
			row[r.Column] = left / right
		}
	}
	return batch, nil
}

func operand(row Row, ref string) (float64, bool) {
	if v, ok := row[ref]; ok {
		return asFloat(v)
	}
	f, err := strconv.ParseFloat(ref, 64)
	return f, err == nil
}

func operandString(row Row, ref string) string {
	if v, ok := row[ref]; ok {
		return asString(v)
	}
	return ref
}

func applyClean(r domain.CleanRule, batch Batch) Batch {
	for _, row := range batch {
		for col, v := range row {
			if len(r.Columns) > 0 && !containsString(r.Columns, col) {
				continue
			}
			s, ok := v.(string)
			if !ok {
				continue
			}
			if r.Trim {
				s = strings.TrimSpace(s)
			}
			if r.Lowercase {
				s = strings.ToLower(s)
			}
			if r.Uppercase {
				s = strings.ToUpper(s)
			}
			row[col] = s
		}
	}
	return batch
}

func (t *Transformer) applyValidate(r domain.ValidateRule, batch Batch) (Batch, error) {
	out := batch[:0:0]
	for i, row := range batch {
		if err := validateRow(row, r, t.patterns); err != nil {
			if r.OnFail == domain.ValidateFail {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func validateRow(row Row, r domain.ValidateRule, patterns map[string]*regexp.Regexp) error {
	v, ok := row[r.Column]
	if !ok || asString(v) == "" {
		if r.Required {
			return fmt.Errorf("column %q is required", r.Column)
		}
		return nil
	}
	if r.Pattern != "" {
		if re := patterns[r.Pattern]; re != nil && !re.MatchString(asString(v)) {
			return fmt.Errorf("column %q does not match %q", r.Column, r.Pattern)
		}
	}
	if r.Min != nil || r.Max != nil {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("column %q is not numeric", r.Column)
		}
		if r.Min != nil && f < *r.Min {
			return fmt.Errorf("column %q below minimum %v", r.Column, *r.Min)
		}
		if r.Max != nil && f > *r.Max {
			return fmt.Errorf("column %q above maximum %v", r.Column, *r.Max)
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
