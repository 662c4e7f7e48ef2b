// Package jobfile seeds job definitions from a YAML file at startup.
// Entries are matched by name against existing jobs and only created
// when absent, so the file can stay in place across restarts.
package jobfile

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jfourny/etlrun/internal/api"
	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/cron"
	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/pipeline"
)

// File is the top-level YAML document.
type File struct {
	Jobs []api.JobSpec `yaml:"jobs"`
}

// Load reads and validates a jobs file. Every entry must pass the same
// validation the HTTP API applies, and names must be unique within the
// file.
func Load(path string, reg *pipeline.Registry) ([]api.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}

	seen := make(map[string]bool, len(f.Jobs))
	for i, spec := range f.Jobs {
		if err := api.ValidateSpec(spec, reg); err != nil {
			return nil, fmt.Errorf("jobs file entry %d: %w", i, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("jobs file entry %d: duplicate name %q", i, spec.Name)
		}
		seen[spec.Name] = true
	}

	return f.Jobs, nil
}

// Store is the persistence subset seeding needs.
type Store interface {
	ListJobs(ctx context.Context, limit, offset int) ([]domain.Job, error)
	SaveJob(ctx context.Context, job domain.Job) error
}

// Seeder creates jobs-file entries that do not exist yet.
type Seeder struct {
	store    Store
	registry *pipeline.Registry
	parser   *cron.Parser
	clock    clock.Clock
	logger   *log.Logger
}

func NewSeeder(store Store, reg *pipeline.Registry, clk clock.Clock) *Seeder {
	return &Seeder{
		store:    store,
		registry: reg,
		parser:   cron.NewParser(),
		clock:    clk,
		logger:   log.New(os.Stdout, "jobfile: ", log.LstdFlags),
	}
}

// WithLogger replaces the default logger.
func (s *Seeder) WithLogger(l *log.Logger) *Seeder {
	s.logger = l
	return s
}

// SeedFromFile loads path and creates any jobs not already present.
// Returns the number of jobs created.
func (s *Seeder) SeedFromFile(ctx context.Context, path string) (int, error) {
	specs, err := Load(path, s.registry)
	if err != nil {
		return 0, err
	}
	return s.Seed(ctx, specs)
}

// Seed creates the given specs, skipping names that already exist.
func (s *Seeder) Seed(ctx context.Context, specs []api.JobSpec) (int, error) {
	existing, err := s.existingNames(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, spec := range specs {
		if existing[spec.Name] {
			continue
		}

		job, err := api.JobFromSpec(spec)
		if err != nil {
			return created, fmt.Errorf("job %q: %w", spec.Name, err)
		}

		now := s.clock.Now().UTC()
		job.ID = uuid.New()
		job.CreatedAt = now
		job.UpdatedAt = now

		if job.Schedule != nil && job.Schedule.Enabled {
			sched, err := s.parser.Parse(job.Schedule.CronExpression, job.Schedule.Timezone)
			if err != nil {
				return created, fmt.Errorf("job %q: %w", spec.Name, err)
			}
			next := sched.Next(now)
			job.Schedule.NextFireAt = &next
		}

		if err := s.store.SaveJob(ctx, job); err != nil {
			return created, fmt.Errorf("job %q: %w", spec.Name, err)
		}
		s.logger.Printf("created job %q (%s)", job.Name, job.ID)
		created++
	}

	return created, nil
}

const listPageSize = 500

func (s *Seeder) existingNames(ctx context.Context) (map[string]bool, error) {
	names := make(map[string]bool)
	for offset := 0; ; offset += listPageSize {
		page, err := s.store.ListJobs(ctx, listPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, job := range page {
			names[job.Name] = true
		}
		if len(page) < listPageSize {
			return names, nil
		}
	}
}
