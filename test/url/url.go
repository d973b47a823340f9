package url

import (
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
)

func Schedules(base string) string {
	return fmt.Sprintf("%s/api/v1/schedules/", base)
}

func ScheduleById(base string, id model.ScheduleId) string {
	return fmt.Sprintf("%s/api/v1/schedules/%s/", base, id)
}

func StartSchedule(base string, id model.ScheduleId) string {
	return ScheduleById(base, id) + "start/"
}

func StopSchedule(base string, id model.ScheduleId) string {
	return ScheduleById(base, id) + "stop/"
}

func RunSchedule(base string, id model.ScheduleId) string {
	return ScheduleById(base, id) + "run/"
}

func Executions(base string, id model.ScheduleId) string {
	return ScheduleById(base, id) + "executions/"
}
