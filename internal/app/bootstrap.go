package app

import (
	"time"

	"ghostrun/internal/config"
	"ghostrun/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
