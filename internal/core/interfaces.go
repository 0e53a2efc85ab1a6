package core

import (
	"context"
)

// Module is periodic work hosted by an EventLoop. Process runs on the loop
// goroutine and receives the loop's Owner.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Process(o *Owner) error
}
