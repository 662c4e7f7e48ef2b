package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/jfourny/etlrun/internal/domain"
)

func mustTransformer(t *testing.T, rules []domain.Rule, lookup LookupFunc) *Transformer {
	t.Helper()
	tr, err := NewTransformer(rules, lookup)
	if err != nil {
		t.Fatalf("NewTransformer failed: %v", err)
	}
	return tr
}

func applyAll(t *testing.T, tr *Transformer, batch Batch) Batch {
	t.Helper()
	ctx := context.Background()
	out, err := tr.ApplyChunk(ctx, batch)
	if err != nil {
		t.Fatalf("ApplyChunk failed: %v", err)
	}
	out, err = tr.ApplyDataset(ctx, out)
	if err != nil {
		t.Fatalf("ApplyDataset failed: %v", err)
	}
	return out
}

func TestTransformer_Filter(t *testing.T) {
	tests := []struct {
		name string
		rule domain.FilterRule
		want int
	}{
		{"numeric gt", domain.FilterRule{Column: "amount", Op: domain.FilterOpGt, Value: "15"}, 1},
		{"eq string", domain.FilterRule{Column: "region", Op: domain.FilterOpEq, Value: "eu"}, 2},
		{"contains", domain.FilterRule{Column: "region", Op: domain.FilterOpContains, Value: "u"}, 3},
		{"ne", domain.FilterRule{Column: "region", Op: domain.FilterOpNe, Value: "eu"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := Batch{
				{"region": "eu", "amount": "10"},
				{"region": "eu", "amount": "20"},
				{"region": "us", "amount": "5"},
			}
			rule := tt.rule
			tr := mustTransformer(t, []domain.Rule{{Kind: domain.RuleKindFilter, Filter: &rule}}, nil)
			out := applyAll(t, tr, batch)
			if len(out) != tt.want {
				t.Errorf("got %d rows, want %d", len(out), tt.want)
			}
		})
	}
}

func TestTransformer_SelectRenameClean(t *testing.T) {
	rules := []domain.Rule{
		{Kind: domain.RuleKindClean, Clean: &domain.CleanRule{Trim: true, Lowercase: true}},
		{Kind: domain.RuleKindRename, Rename: &domain.RenameRule{Mapping: map[string]string{"Name": "name"}}},
		{Kind: domain.RuleKindSelect, Select: &domain.SelectRule{Columns: []string{"name"}}},
	}
	tr := mustTransformer(t, rules, nil)

	out := applyAll(t, tr, Batch{{"Name": "  ALICE ", "junk": "x"}})
	if len(out) != 1 {
		t.Fatalf("got %d rows, want 1", len(out))
	}
	if got := out[0]["name"]; got != "alice" {
		t.Errorf("name = %v, want alice", got)
	}
	if _, ok := out[0]["junk"]; ok {
		t.Error("junk column should have been dropped")
	}
}

func TestTransformer_Cast(t *testing.T) {
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindCast, Cast: &domain.CastRule{Column: "n", Type: domain.CastInt}},
	}, nil)

	out := applyAll(t, tr, Batch{{"n": "42"}})
	if got := out[0]["n"]; got != int64(42) {
		t.Errorf("n = %v (%T), want int64 42", got, got)
	}

	_, err := tr.ApplyChunk(context.Background(), Batch{{"n": "not-a-number"}})
	if err == nil {
		t.Error("expected error casting non-numeric value")
	}
}

func TestTransformer_Derive(t *testing.T) {
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindDerive, Derive: &domain.DeriveRule{Column: "total", Left: "price", Op: "*", Right: "qty"}},
	}, nil)

	out := applyAll(t, tr, Batch{{"price": "2.5", "qty": "4"}})
	if got := out[0]["total"]; got != 10.0 {
		t.Errorf("total = %v, want 10", got)
	}
}

func TestTransformer_Aggregate(t *testing.T) {
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindAggregate, Aggregate: &domain.AggregateRule{
			GroupBy: []string{"region"},
			Outputs: []domain.AggregateOutput{
				{Column: "amount", Func: domain.AggSum, As: "total"},
				{Func: domain.AggCount, As: "n"},
			},
		}},
	}, nil)

	out := applyAll(t, tr, Batch{
		{"region": "eu", "amount": "10"},
		{"region": "eu", "amount": "20"},
		{"region": "us", "amount": "5"},
	})

	if len(out) != 2 {
		t.Fatalf("got %d groups, want 2", len(out))
	}
	if out[0]["region"] != "eu" || out[0]["total"] != 30.0 || out[0]["n"] != int64(2) {
		t.Errorf("eu group = %v", out[0])
	}
}

func TestTransformer_Join(t *testing.T) {
	lookup := func(ctx context.Context, src domain.SourceConfig) (Batch, error) {
		return Batch{
			{"id": "1", "country": "France"},
			{"id": "2", "country": "Japan"},
		}, nil
	}

	tests := []struct {
		name     string
		joinType domain.JoinType
		want     int
	}{
		{"inner drops unmatched", domain.JoinInner, 2},
		{"left keeps unmatched", domain.JoinLeft, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := mustTransformer(t, []domain.Rule{
				{Kind: domain.RuleKindJoin, Join: &domain.JoinRule{
					Source:   domain.SourceConfig{Type: "inline"},
					LeftKey:  "cid",
					RightKey: "id",
					Type:     tt.joinType,
				}},
			}, lookup)

			out := applyAll(t, tr, Batch{
				{"cid": "1"},
				{"cid": "2"},
				{"cid": "9"},
			})
			if len(out) != tt.want {
				t.Fatalf("got %d rows, want %d", len(out), tt.want)
			}
			if out[0]["country"] != "France" {
				t.Errorf("joined country = %v", out[0]["country"])
			}
		})
	}
}

func TestTransformer_Pivot(t *testing.T) {
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindPivot, Pivot: &domain.PivotRule{
			IndexColumn: "region", ColumnsFrom: "quarter", ValuesFrom: "sales",
		}},
	}, nil)

	out := applyAll(t, tr, Batch{
		{"region": "eu", "quarter": "q1", "sales": "10"},
		{"region": "eu", "quarter": "q2", "sales": "20"},
		{"region": "eu", "quarter": "q1", "sales": "5"},
	})

	if len(out) != 1 {
		t.Fatalf("got %d rows, want 1", len(out))
	}
	if out[0]["q1"] != 15.0 || out[0]["q2"] != 20.0 {
		t.Errorf("pivoted row = %v", out[0])
	}
}

func TestTransformer_Validate(t *testing.T) {
	min := 0.0
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindValidate, Validate: &domain.ValidateRule{
			Column: "amount", Required: true, Min: &min, OnFail: domain.ValidateDrop,
		}},
	}, nil)

	out := applyAll(t, tr, Batch{
		{"amount": "5"},
		{"amount": "-1"},
		{"other": "x"},
	})
	if len(out) != 1 {
		t.Errorf("got %d rows, want 1", len(out))
	}
}

func TestTransformer_ValidateFailStops(t *testing.T) {
	tr := mustTransformer(t, []domain.Rule{
		{Kind: domain.RuleKindValidate, Validate: &domain.ValidateRule{
			Column: "amount", Required: true, OnFail: domain.ValidateFail,
		}},
	}, nil)

	_, err := tr.ApplyChunk(context.Background(), Batch{{"other": "x"}})
	if err == nil {
		t.Error("expected validation error")
	}
}

func TestNewTransformer_ConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []domain.Rule
	}{
		{"unknown kind", []domain.Rule{{Kind: "shuffle"}}},
		{"filter without params", []domain.Rule{{Kind: domain.RuleKindFilter}}},
		{"cast with bad type", []domain.Rule{{Kind: domain.RuleKindCast, Cast: &domain.CastRule{Column: "a", Type: "decimal"}}}},
		{"validate with bad pattern", []domain.Rule{{Kind: domain.RuleKindValidate, Validate: &domain.ValidateRule{Column: "a", Pattern: "("}}}},
		{"join without lookup", []domain.Rule{{Kind: domain.RuleKindJoin, Join: &domain.JoinRule{LeftKey: "a", RightKey: "b"}}}},
		{"derive with bad op", []domain.Rule{{Kind: domain.RuleKindDerive, Derive: &domain.DeriveRule{Column: "a", Op: "%"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransformer(tt.rules, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *domain.ClassifiedError
			if !errors.As(err, &ce) || ce.Class != domain.ClassConfig {
				t.Errorf("expected config class, got %v", err)
			}
		})
	}
}

func TestTransformer_DatasetSplit(t *testing.T) {
	rules := []domain.Rule{
		{Kind: domain.RuleKindFilter, Filter: &domain.FilterRule{Column: "a", Op: domain.FilterOpEq, Value: "1"}},
		{Kind: domain.RuleKindAggregate, Aggregate: &domain.AggregateRule{Outputs: []domain.AggregateOutput{{Func: domain.AggCount, As: "n"}}}},
		{Kind: domain.RuleKindSelect, Select: &domain.SelectRule{Columns: []string{"n"}}},
	}
	tr := mustTransformer(t, rules, nil)

	if !tr.HasDatasetRules() {
		t.Fatal("expected dataset rules")
	}
	if len(tr.chunkRules) != 1 || len(tr.tailRules) != 2 {
		t.Errorf("split = %d/%d, want 1/2", len(tr.chunkRules), len(tr.tailRules))
	}
}
