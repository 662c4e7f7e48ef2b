package api

import (
	"context"
	"fmt"
	"time"

	"github.com/jfourny/etlrun/internal/cron"
	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/pipeline"
)

const maxNameLength = 255

// ValidateSpec checks a job spec before it is persisted. The same checks
// run for API-submitted jobs and jobs-file entries. reg supplies the
// known source and destination types.
func ValidateSpec(spec JobSpec, reg *pipeline.Registry) error {
	if spec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(spec.Name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters", maxNameLength)
	}

	if spec.Source.Type == "" {
		return fmt.Errorf("source.type is required")
	}
	if _, err := reg.Source(spec.Source.Type); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}

	if spec.Destination.Type == "" {
		return fmt.Errorf("destination.type is required")
	}
	if _, err := reg.Sink(spec.Destination.Type); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	if err := validateIfExists(spec.Destination.IfExists); err != nil {
		return err
	}

	if err := validateRules(spec.Rules, reg); err != nil {
		return err
	}

	if spec.Schedule != nil {
		if err := validateSchedule(*spec.Schedule); err != nil {
			return err
		}
	}

	if spec.Retry != nil {
		if err := validateRetry(*spec.Retry); err != nil {
			return err
		}
	}

	return nil
}

func validateIfExists(policy string) error {
	switch domain.IfExistsPolicy(policy) {
	case "", domain.IfExistsFail, domain.IfExistsReplace, domain.IfExistsAppend:
		return nil
	}
	return fmt.Errorf("invalid destination.if_exists %q", policy)
}

func validateRules(specs []RuleSpec, reg *pipeline.Registry) error {
	if len(specs) == 0 {
		return nil
	}

	rules := make([]domain.Rule, 0, len(specs))
	for i, rs := range specs {
		rule, err := ruleFromSpec(rs)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Kind == domain.RuleKindJoin {
			if rs.Source == nil || rs.Source.Type == "" {
				return fmt.Errorf("rule %d: join rule requires a source", i)
			}
			if _, err := reg.Source(rs.Source.Type); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
		rules = append(rules, rule)
	}

	// The transformer constructor performs the per-kind structural checks
	// (required params, cast types, regexp patterns). The stub lookup is
	// never invoked during validation.
	stub := func(context.Context, domain.SourceConfig) (pipeline.Batch, error) { return nil, nil }
	if _, err := pipeline.NewTransformer(rules, stub); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	return nil
}

func validateSchedule(s ScheduleSpec) error {
	if s.Cron == "" {
		return fmt.Errorf("schedule.cron is required")
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := cron.NewParser().Validate(s.Cron, tz); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

func validateRetry(r RetrySpec) error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if r.BaseDelay != "" {
		d, err := time.ParseDuration(r.BaseDelay)
		if err != nil {
			return fmt.Errorf("invalid retry.base_delay: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("retry.base_delay must be positive")
		}
	}
	if r.Multiplier < 0 {
		return fmt.Errorf("retry.multiplier must not be negative")
	}
	return nil
}
