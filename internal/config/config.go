// Package config loads the server's TOML configuration file, following
// the original's load_config defaults and the teacher's BurntSushi/toml
// decode-over-defaults pattern.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/n-r-w/lg"
)

// Config is addonsrv.toml.
type Config struct {
	Port     int    `toml:"PORT"`
	DataRoot string `toml:"DATA_ROOT"`
	ReadOnly bool   `toml:"READ_ONLY"`

	CompressLevel      int   `toml:"COMPRESS_LEVEL"`
	UpdatePackLifespan int   `toml:"UPDATE_PACK_LIFESPAN"` // seconds
	DocumentSizeLimit  int64 `toml:"DOCUMENT_SIZE_LIMIT"`  // bytes

	FeedbackURLFormat string   `toml:"FEEDBACK_URL_FORMAT"`
	BlacklistFile     string   `toml:"BLACKLIST_FILE"`
	StatsExemptIPs    []string `toml:"STATS_EXEMPT_IPS"`

	HookPostUpload string `toml:"HOOK_POST_UPLOAD"`
	HookPostErase  string `toml:"HOOK_POST_ERASE"`

	ControlSocket string `toml:"CONTROL_SOCKET"`

	// LegacyConfigFile, if set, names a pre-1.12 WML config document
	// whose embedded "campaigns" section still needs one-time migration
	// into the current one-directory-per-add-on layout.
	LegacyConfigFile string `toml:"LEGACY_CONFIG_FILE"`
}

const (
	defaultCompressLevel      = 6
	defaultUpdatePackLifespan = 30 * 24 * 60 * 60 // one month
	defaultDocumentSizeLimit  = 100 * 1024 * 1024
	defaultPort               = 15005
)

// New loads configPath over a copy of the documented defaults, matching
// load_config's to_bool/to_int/to_time_t fallbacks.
func New(configPath string, logger lg.Logger) (*Config, error) {
	c := &Config{
		Port:               defaultPort,
		DataRoot:           "data",
		CompressLevel:      defaultCompressLevel,
		UpdatePackLifespan: defaultUpdatePackLifespan,
		DocumentSizeLimit:  defaultDocumentSizeLimit,
	}

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, c); err != nil {
			return nil, err
		}
	}

	if c.ReadOnly {
		logger.Info("config: READ-ONLY MODE ACTIVE")
	}
	logger.Info("config: port %d, data root %q, compress level %d", c.Port, c.DataRoot, c.CompressLevel)
	logger.Info("config: update pack lifespan %ds, document size limit %d bytes", c.UpdatePackLifespan, c.DocumentSizeLimit)

	return c, nil
}
