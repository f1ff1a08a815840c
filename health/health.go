package health

import "context"

type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}
