package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Only the five standard fields are accepted. Descriptors such as @daily and
// a seconds field are rejected.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidCronExpression, "parse cron", err)
	}
	return sched, nil
}

// NextFire returns the first time strictly after after that expr matches,
// evaluated in after's location
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fault.New(fault.InvalidCronExpression, "parse cron", "%q never fires", expr)
	}
	return next, nil
}
