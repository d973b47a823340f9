package almasync

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/alma"
	"github.com/HISP-Uganda/dhis2-alma/internal/dhis2"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/scheduler"
	log "github.com/sirupsen/logrus"
	"math"
	"strings"
)

const Task = "dhis2-alma"

var ErrorNoOrgUnits = errors.New("no organisation units to sync")

type AnalyticsSource interface {
	OrganisationUnits(ctx context.Context, query dhis2.OrgUnitQuery) ([]dhis2.OrgUnit, error)
	EachAnalyticsPage(ctx context.Context, query dhis2.AnalyticsQuery, fn func(dhis2.AnalyticsPage) error) error
}

type Submitter interface {
	Submit(ctx context.Context, submission alma.Submission) error
}

// Params is the parameter bag of a dhis2-alma schedule.
type Params struct {
	DataItems []string
	Periods   []string
	OrgUnits  []string
	OrgLevel  int
	Parent    string
	PageSize  int
	Scorecard string
}

func ParseParams(parameters model.Parameters) (Params, error) {
	params := Params{}
	var err error
	if params.DataItems, err = stringList(parameters, "dx"); err != nil {
		return Params{}, err
	}
	if params.Periods, err = stringList(parameters, "pe"); err != nil {
		return Params{}, err
	}
	if params.OrgUnits, err = stringList(parameters, "ou"); err != nil {
		return Params{}, err
	}
	if params.OrgLevel, err = number(parameters, "ouLevel"); err != nil {
		return Params{}, err
	}
	if params.PageSize, err = number(parameters, "pageSize"); err != nil {
		return Params{}, err
	}
	if params.Parent, err = text(parameters, "parent"); err != nil {
		return Params{}, err
	}
	if params.Scorecard, err = text(parameters, "scorecard"); err != nil {
		return Params{}, err
	}

	switch {
	case len(params.DataItems) == 0:
		return Params{}, fmt.Errorf("parameter dx is required")
	case len(params.Periods) == 0:
		return Params{}, fmt.Errorf("parameter pe is required")
	case len(params.OrgUnits) == 0 && params.OrgLevel <= 0:
		return Params{}, fmt.Errorf("one of parameters ou and ouLevel is required")
	case params.Scorecard == "":
		return Params{}, fmt.Errorf("parameter scorecard is required")
	}
	return params, nil
}

type Job struct {
	source AnalyticsSource
	sink   Submitter
}

func NewJob(source AnalyticsSource, sink Submitter) *Job {
	return &Job{source: source, sink: sink}
}

func (j *Job) Run(ctx context.Context, schedule model.Schedule, reporter scheduler.Reporter) error {
	params, err := ParseParams(schedule.Parameters)
	if err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	units, err := j.units(ctx, params)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"scheduleId": schedule.Id,
		"units":      len(units),
	})
	logger.Info("Syncing analytics")

	submitted := 0
	for i, unit := range units {
		if err = ctx.Err(); err != nil {
			return err
		}
		query := dhis2.AnalyticsQuery{
			DataItems: params.DataItems,
			Periods:   params.Periods,
			OrgUnit:   unit.Id,
			PageSize:  params.PageSize,
		}
		err = j.source.EachAnalyticsPage(ctx, query, func(page dhis2.AnalyticsPage) error {
			if len(page.Rows) == 0 {
				return nil
			}
			submitted += len(page.Rows)
			return j.sink.Submit(ctx, alma.Submission{
				Scorecard: params.Scorecard,
				OrgUnit:   unit.Id,
				Headers:   columns(page.Headers),
				Rows:      page.Rows,
			})
		})
		if err != nil {
			return fmt.Errorf("failed syncing %s: %w", unit.Name, err)
		}
		reporter.Report(ctx, Percent(i+1, len(units)), fmt.Sprintf("%s (%d/%d)", unit.Name, i+1, len(units)))
	}

	logger.WithField("rows", submitted).Info("Synced analytics")
	return nil
}

func (j *Job) units(ctx context.Context, params Params) ([]dhis2.OrgUnit, error) {
	if len(params.OrgUnits) > 0 {
		units := make([]dhis2.OrgUnit, 0, len(params.OrgUnits))
		for _, id := range params.OrgUnits {
			units = append(units, dhis2.OrgUnit{Id: id, Name: id})
		}
		return units, nil
	}
	units, err := j.source.OrganisationUnits(ctx, dhis2.OrgUnitQuery{Level: params.OrgLevel, Parent: params.Parent})
	if err != nil {
		return nil, fmt.Errorf("failed listing organisation units: %w", err)
	}
	if len(units) == 0 {
		return nil, ErrorNoOrgUnits
	}
	return units, nil
}

// Percent is done/total rounded to the nearest whole percent.
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) * 100 / float64(total)))
}

func columns(headers []dhis2.Header) []alma.Column {
	result := make([]alma.Column, 0, len(headers))
	for _, header := range headers {
		result = append(result, alma.Column{Name: header.Name, Column: header.Column})
	}
	return result
}

func stringList(parameters model.Parameters, key string) ([]string, error) {
	raw, ok := parameters[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch value := raw.(type) {
	case string:
		var result []string
		for _, item := range strings.Split(value, ";") {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
		return result, nil
	case []string:
		return value, nil
	case []any:
		result := make([]string, 0, len(value))
		for _, item := range value {
			text, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %s must hold strings, got %T", key, item)
			}
			result = append(result, text)
		}
		return result, nil
	}
	return nil, fmt.Errorf("parameter %s must be a list, got %T", key, raw)
}

func number(parameters model.Parameters, key string) (int, error) {
	raw, ok := parameters[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch value := raw.(type) {
	case float64:
		return int(value), nil
	case int:
		return value, nil
	}
	return 0, fmt.Errorf("parameter %s must be a number, got %T", key, raw)
}

func text(parameters model.Parameters, key string) (string, error) {
	raw, ok := parameters[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, raw)
	}
	return strings.TrimSpace(value), nil
}
