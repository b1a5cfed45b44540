package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "SSHMUX"

// Settings are read from SSHMUX_* environment variables. Flags override them.
type Settings struct {
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	QueryTimeout   time.Duration `envconfig:"QUERY_TIMEOUT" default:"10s"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT" default:"15s"`
	Term           string        `envconfig:"TERM" default:"xterm"`
	KnownHosts     string        `envconfig:"KNOWN_HOSTS" default:""`
	StrictHostKeys bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`
	UseAgent       bool          `envconfig:"USE_AGENT" default:"false"`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}
