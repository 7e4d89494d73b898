package orchestrator

import (
	"context"

	"dayflow/internal/day"
)

type noopService struct{}

func (noopService) Start(context.Context, string, day.Date) error { return nil }
func (noopService) Stop(context.Context, string) error { return nil }
func (noopService) Healthcheck(context.Context, string) error { return nil }

type noopSecurityMaster struct{}

func (noopSecurityMaster) Sync(context.Context, string, day.Date) error { return nil }

type noopVerifier struct{}

func (noopVerifier) Verify(context.Context, string, day.Date) error { return nil }
