package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota.
// Call it at the start of main, before the executor pool is sized. The
// returned function restores the previous value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Infof))
	if err != nil {
		logger.Warn("failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("concurrency initialized",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Bool("kubernetes", isKubernetes()))
	return undo
}
