package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes and hands the decoded
// result to onChange. Invalid edits are logged and ignored. It returns false
// when no config file is in use, in which case nothing is watched.
func Watch(configPath string, onChange func(*Config)) (bool, error) {
	v, err := newViper(configPath)
	if err != nil {
		return false, err
	}
	if v.ConfigFileUsed() == "" {
		return false, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return true, nil
}
