package cron

import (
	"context"
	"fmt"

	"github.com/aqua-lzma/theory/internal/bus"
)

const CompactionJobName = "compaction-sweep"

// CompactionSweep returns a job that asks the gateway to compact every scope
// listed by scopes. It only enqueues events; the gateway decides whether a
// scope is due.
func CompactionSweep(expr string, b *bus.MessageBus, scopes func() ([]string, error)) Job {
	return Job{
		Name: CompactionJobName,
		Expr: expr,
		Run: func(ctx context.Context) error {
			list, err := scopes()
			if err != nil {
				return fmt.Errorf("list scopes: %w", err)
			}
			for _, scope := range list {
				if err := b.Publish(ctx, bus.Event{Kind: bus.Compact, Scope: scope}); err != nil {
					return fmt.Errorf("enqueue compaction for %s: %w", scope, err)
				}
			}
			return nil
		},
	}
}
