package fleet

import (
	"fmt"

	"go.uber.org/zap"
)

const loggerName = "fleet"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// DefaultLogger returns the logger used by groups and sessions that were not
// given one explicitly.
func DefaultLogger() *zap.SugaredLogger {
	return defaultLogger
}
