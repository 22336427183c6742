// Package logging constructs the module's logger. Every component
// receives a *zap.SugaredLogger scoped with a "component" field
// ("engine", "vault", "settlement", "httpapi", ...) as a structured
// field instead of a string prefix.
package logging

import "go.uber.org/zap"

// New builds the root production logger.
func New() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewExample()
	}
	return logger.Sugar()
}

// Component returns a child logger tagged with the given component name.
func Component(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return base.With("component", name)
}
