package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Describe runs idx.Check and turns the outcome into text: empty when the
// destination is usable, the error text otherwise. A panic inside Check is
// recovered and described too.
func Describe(ctx context.Context, idx Indexer) (description string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("check_panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			description = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	if idx == nil {
		return "no indexer configured"
	}
	if err := idx.Check(ctx); err != nil {
		if msg := err.Error(); msg != "" {
			return msg
		}
		return fmt.Sprintf("check failed: %T", err)
	}
	return ""
}
