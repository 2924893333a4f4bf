package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/port"
)

const (
	eventScriptsMessage   = "Failed to load JavaScript code used in events. Check all your JavaScript code has valid syntax."
	projectScriptsMessage = "Failed to load project scripts. Check all your JavaScript code has valid syntax."
)

// ProjectScriptMessage is the alert text for a project script that fails to load.
func ProjectScriptMessage(name string) string {
	if name == EventScriptsName {
		return eventScriptsMessage
	}
	return fmt.Sprintf("Failed to load project script '%s'. Check all your JavaScript code has valid syntax.", name)
}

// reportProjectScriptError reloads every project script not marked as loaded,
// one at a time and in order, and reports the first one that fails again.
// It returns the posted alert, or "" when every script loaded.
func (l *Loader) reportProjectScriptError(ctx context.Context, scripts []ProjectScript, status map[string]bool, p port.Port) (string, error) {
	for _, script := range scripts {
		if status[script.Name] {
			continue
		}

		err := l.exec.LoadScripts(ctx, []string{script.Location})
		if err == nil {
			continue
		}
		if usage, ok := asUsageError(err); ok {
			return "", usage
		}

		msg := ProjectScriptMessage(script.Name)
		l.logger.Error(msg,
			zap.String("script", script.Name),
			zap.String("location", script.Location),
			zap.Error(err),
		)
		l.post(ctx, p, port.Message{Type: MessageAlertError, Message: msg})
		return msg, nil
	}
	return "", nil
}
