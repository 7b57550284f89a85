package schedule

import (
	"fmt"
	"runtime/debug"
	"time"

	logx "beacon/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Start runs job on spec until the returned stop func is called. stop waits
// for a running job to finish. Interval specs are rounded to whole seconds
// (minimum one second) by the cron runtime.
func Start(spec Spec, loc *time.Location, log logx.Logger, job func()) (stop func(), err error) {
	if job == nil {
		return nil, fmt.Errorf("schedule job required")
	}
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("scheduled job panicked", logx.String("schedule", spec.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		job()
	}

	switch spec.Kind {
	case KindCron:
		if _, err := c.AddFunc(spec.Cron, wrapped); err != nil {
			return nil, fmt.Errorf("add cron %q: %w", spec.Cron, err)
		}
	case KindInterval:
		c.Schedule(cron.Every(spec.Every), cron.FuncJob(wrapped))
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", spec.Kind)
	}

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
