package activity

import (
	"context"

	"dayflow/internal/day"
	"dayflow/logger"
)

// Noop stands in for a process that is not managed by this deployment.
type Noop struct {
	Name string
}

func (n Noop) Start(_ context.Context, env string, date day.Date) error {
	n.debug(env, "start").WithField("date", date).Debug("unmanaged service; start skipped")
	return nil
}

func (n Noop) Stop(_ context.Context, env string) error {
	n.debug(env, "stop").Debug("unmanaged service; stop skipped")
	return nil
}

func (n Noop) Healthcheck(context.Context, string) error { return nil }

func (n Noop) Sync(_ context.Context, env string, date day.Date) error {
	n.debug(env, "sync").WithField("date", date).Debug("unmanaged service; sync skipped")
	return nil
}

func (n Noop) Verify(context.Context, string, day.Date) error { return nil }

func (n Noop) debug(env, op string) *logger.Entry {
	return logger.GetLogger().WithComponent("activity").WithFields(logger.Fields{
		"service": n.Name,
		"env":     env,
		"op":      op,
	})
}
