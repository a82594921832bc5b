package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter bridges whatsmeow's waLog.Logger to slog.
type slogAdapter struct {
	logger *slog.Logger
	module string
}

func newWALog(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{logger: logger, module: module}
}

func (l *slogAdapter) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogAdapter) Infof(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogAdapter) Warnf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogAdapter) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: l.logger, module: l.module + "/" + module}
}
