package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Pipeline.Records = strings.ToLower(strings.TrimSpace(c.Pipeline.Records))
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)

	var err error
	if c.Store.Backend == BackendFile || c.Store.Backend == BackendSQLite {
		if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
			return fmt.Errorf("store.path: %w", err)
		}
	}
	if c.Pipeline.ObjectRoot, err = expandPath(c.Pipeline.ObjectRoot); err != nil {
		return fmt.Errorf("pipeline.object_root: %w", err)
	}
	if c.Engine.StepLogDir, err = expandPath(c.Engine.StepLogDir); err != nil {
		return fmt.Errorf("engine.step_log_dir: %w", err)
	}
	return nil
}
