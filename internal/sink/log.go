package sink

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/combiner/pkg/types"
)

// Log is a Transport that only logs deltas. Useful for dry runs.
type Log struct{}

// Send logs every value in d.
func (Log) Send(_ context.Context, d *types.Delta) error {
	for _, u := range d.Updates {
		for _, v := range u.Values {
			slog.Info("sink: value",
				"context", d.Context,
				"timestamp", u.Timestamp,
				"path", v.Path,
				"value", string(v.Value),
			)
		}
	}
	return nil
}

// Close is a no-op.
func (Log) Close() error { return nil }
