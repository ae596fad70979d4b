package app

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/ctfever/internal/config"
)

// RootLoggerName names the root logger. Runtime components log on named
// children and every plugin on its own "plugin.<name>" channel.
const RootLoggerName = "ctfever"

// NewLogger builds the root logger from the configuration.
func NewLogger(cfg *config.Config, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            RootLoggerName,
		Level:           cfg.Level(),
		Output:          w,
		JSONFormat:      cfg.LogJSON,
		IncludeLocation: cfg.Level() <= hclog.Debug,
	})
}

// poolLogger routes worker pool messages to hclog.
type poolLogger struct {
	logger hclog.Logger
}

func (l poolLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
