package safe

import (
	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic, so a crashing worker
// cannot take down the process.
func Go(log *zap.Logger, name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("goroutine panic recovered",
					zap.String("name", name),
					zap.Any("panic", r))
			}
		}()
		f()
	}()
}
