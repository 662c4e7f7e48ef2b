package api

import (
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

// JobSpec is the wire form of a job definition. It is shared by the HTTP
// API (JSON) and the jobs-file loader (YAML), so both accept the same
// shape and go through the same validation.
type JobSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Source      SourceSpec      `json:"source" yaml:"source"`
	Rules       []RuleSpec      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Destination DestinationSpec `json:"destination" yaml:"destination"`

	Schedule *ScheduleSpec `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Retry    *RetrySpec    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Notify   *NotifySpec   `json:"notify,omitempty" yaml:"notify,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type SourceSpec struct {
	Type    string            `json:"type" yaml:"type"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

type DestinationSpec struct {
	Type     string            `json:"type" yaml:"type"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	IfExists string            `json:"if_exists,omitempty" yaml:"if_exists,omitempty"` // default fail
}

type ScheduleSpec struct {
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"` // default UTC
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`   // default true
}

type RetrySpec struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"` // default 30s
	Multiplier  float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"` // default 2
}

type NotifySpec struct {
	OnSuccess bool `json:"on_success" yaml:"on_success"`
	OnFailure bool `json:"on_failure" yaml:"on_failure"`
}

// RuleSpec is the flattened wire form of a transformation rule: Kind
// selects which of the optional fields apply. Column and Op are shared
// by several kinds.
type RuleSpec struct {
	Kind string `json:"kind" yaml:"kind"`

	Column string `json:"column,omitempty" yaml:"column,omitempty"`
	Op     string `json:"op,omitempty" yaml:"op,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`

	Columns []string          `json:"columns,omitempty" yaml:"columns,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`

	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
	Layout string `json:"layout,omitempty" yaml:"layout,omitempty"`

	GroupBy []string              `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	Outputs []AggregateOutputSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Source   *SourceSpec `json:"source,omitempty" yaml:"source,omitempty"`
	LeftKey  string      `json:"left_key,omitempty" yaml:"left_key,omitempty"`
	RightKey string      `json:"right_key,omitempty" yaml:"right_key,omitempty"`
	JoinType string      `json:"join_type,omitempty" yaml:"join_type,omitempty"` // default inner

	IndexColumn string `json:"index_column,omitempty" yaml:"index_column,omitempty"`
	ColumnsFrom string `json:"columns_from,omitempty" yaml:"columns_from,omitempty"`
	ValuesFrom  string `json:"values_from,omitempty" yaml:"values_from,omitempty"`

	Left  string `json:"left,omitempty" yaml:"left,omitempty"`
	Right string `json:"right,omitempty" yaml:"right,omitempty"`

	Trim      bool `json:"trim,omitempty" yaml:"trim,omitempty"`
	Lowercase bool `json:"lowercase,omitempty" yaml:"lowercase,omitempty"`
	Uppercase bool `json:"uppercase,omitempty" yaml:"uppercase,omitempty"`

	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	OnFail   string   `json:"on_fail,omitempty" yaml:"on_fail,omitempty"` // default fail
}

type AggregateOutputSpec struct {
	Column string `json:"column,omitempty" yaml:"column,omitempty"`
	Func   string `json:"func" yaml:"func"`
	As     string `json:"as,omitempty" yaml:"as,omitempty"`
}

type JobResponse struct {
	ID string `json:"id"`
	JobSpec
	NextFireAt *string `json:"next_fire_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

type ExecutionResponse struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`

	Progress int    `json:"progress"`
	Phase    string `json:"phase,omitempty"`

	RowsExtracted   int64 `json:"rows_extracted"`
	RowsTransformed int64 `json:"rows_transformed"`
	RowsLoaded      int64 `json:"rows_loaded"`

	EnqueuedAt  string  `json:"enqueued_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`

	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`

	CreatedAt string `json:"created_at"`
}

type LogEntryResponse struct {
	Seq       uint64 `json:"seq"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type StartJobResponse struct {
	ExecutionID string `json:"execution_id"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type ListLogsResponse struct {
	Logs []LogEntryResponse `json:"logs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Defaults applied when a spec omits optional blocks.
const (
	defaultRetryMaxAttempts = 1
	defaultRetryBaseDelay   = 30 * time.Second
	defaultRetryMultiplier  = 2.0
)

// JobFromSpec converts a validated spec into a domain job. ID and
// timestamps are left for the caller to assign.
func JobFromSpec(spec JobSpec) (domain.Job, error) {
	job := domain.Job{
		Name:        spec.Name,
		Description: spec.Description,
		Source: domain.SourceConfig{
			Type:    spec.Source.Type,
			Options: spec.Source.Options,
		},
		Destination: domain.DestConfig{
			Type:     spec.Destination.Type,
			Options:  spec.Destination.Options,
			IfExists: destPolicy(spec.Destination.IfExists),
		},
		Enabled: spec.Enabled == nil || *spec.Enabled,
	}

	for _, rs := range spec.Rules {
		rule, err := ruleFromSpec(rs)
		if err != nil {
			return domain.Job{}, err
		}
		job.Rules = append(job.Rules, rule)
	}

	if spec.Schedule != nil {
		tz := spec.Schedule.Timezone
		if tz == "" {
			tz = "UTC"
		}
		job.Schedule = &domain.Schedule{
			CronExpression: spec.Schedule.Cron,
			Timezone:       tz,
			Enabled:        spec.Schedule.Enabled == nil || *spec.Schedule.Enabled,
		}
	}

	job.Retry = domain.RetryPolicy{
		MaxAttempts: defaultRetryMaxAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		Multiplier:  defaultRetryMultiplier,
	}
	if spec.Retry != nil {
		if spec.Retry.MaxAttempts > 0 {
			job.Retry.MaxAttempts = spec.Retry.MaxAttempts
		}
		if spec.Retry.BaseDelay != "" {
			d, err := time.ParseDuration(spec.Retry.BaseDelay)
			if err != nil {
				return domain.Job{}, err
			}
			job.Retry.BaseDelay = d
		}
		if spec.Retry.Multiplier > 0 {
			job.Retry.Multiplier = spec.Retry.Multiplier
		}
	}

	if spec.Notify != nil {
		job.Notify = domain.NotifyPolicy{
			OnSuccess: spec.Notify.OnSuccess,
			OnFailure: spec.Notify.OnFailure,
		}
	}

	return job, nil
}

func destPolicy(s string) domain.IfExistsPolicy {
	if s == "" {
		return domain.IfExistsFail
	}
	return domain.IfExistsPolicy(s)
}

func ruleFromSpec(rs RuleSpec) (domain.Rule, error) {
	rule := domain.Rule{Kind: domain.RuleKind(rs.Kind)}

	switch rule.Kind {
	case domain.RuleKindFilter:
		rule.Filter = &domain.FilterRule{
			Column: rs.Column,
			Op:     domain.FilterOp(rs.Op),
			Value:  rs.Value,
		}
	case domain.RuleKindSelect:
		rule.Select = &domain.SelectRule{Columns: rs.Columns}
	case domain.RuleKindRename:
		rule.Rename = &domain.RenameRule{Mapping: rs.Mapping}
	case domain.RuleKindCast:
		rule.Cast = &domain.CastRule{
			Column: rs.Column,
			Type:   domain.CastType(rs.Type),
			Layout: rs.Layout,
		}
	case domain.RuleKindAggregate:
		agg := &domain.AggregateRule{GroupBy: rs.GroupBy}
		for _, o := range rs.Outputs {
			agg.Outputs = append(agg.Outputs, domain.AggregateOutput{
				Column: o.Column,
				Func:   domain.AggregateFunc(o.Func),
				As:     o.As,
			})
		}
		rule.Aggregate = agg
	case domain.RuleKindJoin:
		join := &domain.JoinRule{
			LeftKey:  rs.LeftKey,
			RightKey: rs.RightKey,
			Type:     domain.JoinInner,
		}
		if rs.JoinType != "" {
			join.Type = domain.JoinType(rs.JoinType)
		}
		if rs.Source != nil {
			join.Source = domain.SourceConfig{
				Type:    rs.Source.Type,
				Options: rs.Source.Options,
			}
		}
		rule.Join = join
	case domain.RuleKindPivot:
		rule.Pivot = &domain.PivotRule{
			IndexColumn: rs.IndexColumn,
			ColumnsFrom: rs.ColumnsFrom,
			ValuesFrom:  rs.ValuesFrom,
		}
	case domain.RuleKindDerive:
		rule.Derive = &domain.DeriveRule{
			Column: rs.Column,
			Left:   rs.Left,
			Op:     rs.Op,
			Right:  rs.Right,
		}
	case domain.RuleKindClean:
		rule.Clean = &domain.CleanRule{
			Columns:   rs.Columns,
			Trim:      rs.Trim,
			Lowercase: rs.Lowercase,
			Uppercase: rs.Uppercase,
		}
	case domain.RuleKindValidate:
		onFail := domain.ValidateFail
		if rs.OnFail != "" {
			onFail = domain.ValidateAction(rs.OnFail)
		}
		rule.Validate = &domain.ValidateRule{
			Column:   rs.Column,
			Required: rs.Required,
			Pattern:  rs.Pattern,
			Min:      rs.Min,
			Max:      rs.Max,
			OnFail:   onFail,
		}
	default:
		return domain.Rule{}, domain.ConfigErrorf("unknown rule kind %q", rs.Kind)
	}

	return rule, nil
}

func jobResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:        job.ID.String(),
		JobSpec:   specFromJob(job),
		CreatedAt: formatTime(job.CreatedAt),
		UpdatedAt: formatTime(job.UpdatedAt),
	}
	if job.Schedule != nil && job.Schedule.NextFireAt != nil {
		s := formatTime(*job.Schedule.NextFireAt)
		resp.NextFireAt = &s
	}
	return resp
}

func specFromJob(job domain.Job) JobSpec {
	enabled := job.Enabled
	spec := JobSpec{
		Name:        job.Name,
		Description: job.Description,
		Source: SourceSpec{
			Type:    job.Source.Type,
			Options: job.Source.Options,
		},
		Destination: DestinationSpec{
			Type:     job.Destination.Type,
			Options:  job.Destination.Options,
			IfExists: string(job.Destination.IfExists),
		},
		Retry: &RetrySpec{
			MaxAttempts: job.Retry.MaxAttempts,
			BaseDelay:   job.Retry.BaseDelay.String(),
			Multiplier:  job.Retry.Multiplier,
		},
		Notify: &NotifySpec{
			OnSuccess: job.Notify.OnSuccess,
			OnFailure: job.Notify.OnFailure,
		},
		Enabled: &enabled,
	}

	for _, r := range job.Rules {
		spec.Rules = append(spec.Rules, specFromRule(r))
	}

	if job.Schedule != nil {
		schedEnabled := job.Schedule.Enabled
		spec.Schedule = &ScheduleSpec{
			Cron:     job.Schedule.CronExpression,
			Timezone: job.Schedule.Timezone,
			Enabled:  &schedEnabled,
		}
	}

	return spec
}

func specFromRule(r domain.Rule) RuleSpec {
	rs := RuleSpec{Kind: string(r.Kind)}

	switch {
	case r.Filter != nil:
		rs.Column = r.Filter.Column
		rs.Op = string(r.Filter.Op)
		rs.Value = r.Filter.Value
	case r.Select != nil:
		rs.Columns = r.Select.Columns
	case r.Rename != nil:
		rs.Mapping = r.Rename.Mapping
	case r.Cast != nil:
		rs.Column = r.Cast.Column
		rs.Type = string(r.Cast.Type)
		rs.Layout = r.Cast.Layout
	case r.Aggregate != nil:
		rs.GroupBy = r.Aggregate.GroupBy
		for _, o := range r.Aggregate.Outputs {
			rs.Outputs = append(rs.Outputs, AggregateOutputSpec{
				Column: o.Column,
				Func:   string(o.Func),
				As:     o.As,
			})
		}
	case r.Join != nil:
		rs.Source = &SourceSpec{
			Type:    r.Join.Source.Type,
			Options: r.Join.Source.Options,
		}
		rs.LeftKey = r.Join.LeftKey
		rs.RightKey = r.Join.RightKey
		rs.JoinType = string(r.Join.Type)
	case r.Pivot != nil:
		rs.IndexColumn = r.Pivot.IndexColumn
		rs.ColumnsFrom = r.Pivot.ColumnsFrom
		rs.ValuesFrom = r.Pivot.ValuesFrom
	case r.Derive != nil:
		rs.Column = r.Derive.Column
		rs.Left = r.Derive.Left
		rs.Op = r.Derive.Op
		rs.Right = r.Derive.Right
	case r.Clean != nil:
		rs.Columns = r.Clean.Columns
		rs.Trim = r.Clean.Trim
		rs.Lowercase = r.Clean.Lowercase
		rs.Uppercase = r.Clean.Uppercase
	case r.Validate != nil:
		rs.Column = r.Validate.Column
		rs.Required = r.Validate.Required
		rs.Pattern = r.Validate.Pattern
		rs.Min = r.Validate.Min
		rs.Max = r.Validate.Max
		rs.OnFail = string(r.Validate.OnFail)
	}

	return rs
}

func executionResponse(exec domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:              exec.ID.String(),
		JobID:           exec.JobID.String(),
		Status:          string(exec.Status),
		Attempt:         exec.Attempt,
		Progress:        exec.Progress,
		Phase:           exec.Phase,
		RowsExtracted:   exec.RowsExtracted,
		RowsTransformed: exec.RowsTransformed,
		RowsLoaded:      exec.RowsLoaded,
		EnqueuedAt:      formatTime(exec.EnqueuedAt),
		StartedAt:       formatTimePtr(exec.StartedAt),
		FinishedAt:      formatTimePtr(exec.FinishedAt),
		NextRetryAt:     formatTimePtr(exec.NextRetryAt),
		Error:           exec.Error,
		ErrorClass:      string(exec.ErrorClass),
		CreatedAt:       formatTime(exec.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
