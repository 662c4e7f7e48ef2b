package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser evaluates five-field cron expressions in a given timezone.
// It isolates the scheduler from expression-parsing internals: the
// scheduler only ever asks "next fire time after t".
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

type Schedule interface {
	Next(after time.Time) time.Time
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate checks an expression/timezone pair without building a schedule.
func (p *Parser) Validate(expression string, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc)).UTC()
}
