package config

import (
	"fmt"

	"github.com/mattjoyce/procbridge/internal/action"
)

// validateActions checks that every action name the config mentions is one
// the bridge compiles in, and that the scheduler's action is still enabled.
func validateActions(cfg *Config) error {
	disabled := make(map[string]bool, len(cfg.Actions.Disabled))
	for i, name := range cfg.Actions.Disabled {
		if !action.IsAllowed(name) {
			return fmt.Errorf("actions.disabled[%d]: unknown action %q", i, name)
		}
		disabled[name] = true
	}

	for name := range cfg.Worker.ActionTimeouts {
		if !action.IsAllowed(name) {
			return fmt.Errorf("worker.action_timeouts: unknown action %q", name)
		}
	}

	if cfg.Scheduler.Enabled {
		if !action.IsAllowed(cfg.Scheduler.Action) {
			return fmt.Errorf("scheduler.action: unknown action %q", cfg.Scheduler.Action)
		}
		if disabled[cfg.Scheduler.Action] {
			return fmt.Errorf("scheduler.action %q is listed in actions.disabled", cfg.Scheduler.Action)
		}
	}

	return nil
}
