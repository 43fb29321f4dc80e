package config

import "time"

const (
	DefaultPeriod          = 10 * time.Millisecond
	DefaultDuration        = 10 * time.Second
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)
