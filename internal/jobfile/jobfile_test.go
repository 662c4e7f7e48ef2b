package jobfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/pipeline"
	"github.com/jfourny/etlrun/internal/store/memory"
	"github.com/jfourny/etlrun/internal/testutil"
)

const sampleFile = `
jobs:
  - name: orders-nightly
    description: nightly orders feed
    source:
      type: csv
      options:
        path: /data/orders.csv
    rules:
      - kind: filter
        column: status
        op: eq
        value: paid
      - kind: select
        columns: [id, amount, region]
      - kind: aggregate
        group_by: [region]
        outputs:
          - column: amount
            func: sum
            as: total
    destination:
      type: jsonl
      options:
        path: /out/orders.jsonl
      if_exists: replace
    schedule:
      cron: "0 2 * * *"
      timezone: UTC
    retry:
      max_attempts: 3
      base_delay: 1m
      multiplier: 2

  - name: manual-export
    source:
      type: jsonl
      options:
        path: /data/events.jsonl
    destination:
      type: discard
    enabled: false
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, sampleFile)

	specs, err := Load(path, pipeline.NewDefaultRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}

	first := specs[0]
	if first.Name != "orders-nightly" {
		t.Errorf("Name = %q", first.Name)
	}
	if len(first.Rules) != 3 {
		t.Errorf("expected 3 rules, got %d", len(first.Rules))
	}
	if first.Rules[2].Kind != "aggregate" || len(first.Rules[2].Outputs) != 1 {
		t.Errorf("aggregate rule not parsed: %+v", first.Rules[2])
	}
	if first.Schedule == nil || first.Schedule.Cron != "0 2 * * *" {
		t.Errorf("schedule not parsed: %+v", first.Schedule)
	}

	second := specs[1]
	if second.Enabled == nil || *second.Enabled {
		t.Errorf("manual-export should be disabled")
	}
}

func TestLoad_Errors(t *testing.T) {
	reg := pipeline.NewDefaultRegistry()

	cases := []struct {
		name    string
		content string
	}{
		{"not yaml", `{{{{`},
		{"invalid entry", "jobs:\n  - name: bad\n    source: {type: ftp}\n    destination: {type: csv}\n"},
		{"duplicate names", `
jobs:
  - name: twin
    source: {type: csv, options: {path: /a.csv}}
    destination: {type: discard}
  - name: twin
    source: {type: csv, options: {path: /b.csv}}
    destination: {type: discard}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.content)
			if _, err := Load(path, reg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), pipeline.NewDefaultRegistry())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSeedFromFile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	seeder := NewSeeder(store, pipeline.NewDefaultRegistry(), clk)
	path := writeFile(t, sampleFile)

	created, err := seeder.SeedFromFile(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 jobs created, got %d", created)
	}

	jobs, err := store.ListJobs(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs in store, got %d", len(jobs))
	}

	var nightly domain.Job
	for _, j := range jobs {
		if j.Name == "orders-nightly" {
			nightly = j
		}
	}
	if nightly.Schedule == nil || nightly.Schedule.NextFireAt == nil {
		t.Fatal("seeded schedule should have a cached fire time")
	}
	want := time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	if !nightly.Schedule.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", nightly.Schedule.NextFireAt, want)
	}
	if nightly.Retry.MaxAttempts != 3 || nightly.Retry.BaseDelay != time.Minute {
		t.Errorf("retry policy = %+v", nightly.Retry)
	}

	// Second run is a no-op: names already exist.
	created, err = seeder.SeedFromFile(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 0 {
		t.Errorf("expected 0 jobs created on re-seed, got %d", created)
	}
	jobs, _ = store.ListJobs(ctx, 0, 0)
	if len(jobs) != 2 {
		t.Errorf("re-seed should not duplicate jobs, got %d", len(jobs))
	}
}
