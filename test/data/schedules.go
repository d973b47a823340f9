package data

import (
	"github.com/HISP-Uganda/dhis2-alma/internal/almasync"
	"github.com/HISP-Uganda/dhis2-alma/internal/dhis2"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
)

const Scorecard = "sc1"

var OrgUnits = []dhis2.OrgUnit{
	{Id: "u1", Name: "Kampala", Level: 3},
	{Id: "u2", Name: "Gulu", Level: 3},
}

var AnalyticsPage = dhis2.AnalyticsPage{
	Headers: []dhis2.Header{{Name: "dx", Column: "Data"}, {Name: "value", Column: "Value"}},
	Rows:    [][]string{{"anc1", "42"}},
	Pager:   dhis2.Pager{Page: 1, PageCount: 1, Total: 1, PageSize: 50},
}

// SyncDefinition forwards anc1 for every level 3 unit in OrgUnits.
func SyncDefinition() model.ScheduleDefinition {
	return model.ScheduleDefinition{
		Name:           "anc coverage",
		CronExpression: "0 2 * * *",
		Task:           almasync.Task,
		MaxRetries:     3,
		RetryDelay:     60,
		Parameters: model.Parameters{
			"dx":        []any{"anc1"},
			"pe":        "LAST_12_MONTHS",
			"ouLevel":   3,
			"scorecard": Scorecard,
		},
	}
}

func InvalidDefinition() model.ScheduleDefinition {
	def := SyncDefinition()
	def.RetryDelay = 3601
	return def
}
