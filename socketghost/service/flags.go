package service

import (
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/go-appsec/interceptor/socketghost/config"
)

// ServeFlags holds command line overrides for `socketghost serve`.
// Zero values leave the config untouched.
type ServeFlags struct {
	ConfigPath  string
	DataDir     string
	ProxyPort   int
	ControlPort int
	APIPort     int
	LogLevel    string
}

// ParseServeFlags parses flags for `socketghost serve`.
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServeFlags

	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: <data-dir>/config.yaml)")
	fs.StringVar(&flags.DataDir, "data-dir", "", "data directory (default: ~/.socketghost)")
	fs.IntVar(&flags.ProxyPort, "proxy-port", 0, "proxy listen port (default: from config or 8080)")
	fs.IntVar(&flags.ControlPort, "control-port", 0, "control channel port (default: from config or 9000)")
	fs.IntVar(&flags.APIPort, "api-port", 0, "history API port (default: from config or 9300)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	return flags, nil
}

// ResolveDataDir returns the data dir flag or the default data dir.
func (f ServeFlags) ResolveDataDir() string {
	if f.DataDir != "" {
		return f.DataDir
	}
	return config.DefaultDataDir()
}

// ResolveConfigPath returns the config flag or config.yaml under the data dir.
func (f ServeFlags) ResolveConfigPath() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	return filepath.Join(f.ResolveDataDir(), config.ConfigFileName)
}

// apply overlays the flags on cfg.
func (f ServeFlags) apply(cfg *config.Config) {
	if f.ProxyPort > 0 {
		cfg.ProxyPort = f.ProxyPort
	}
	if f.ControlPort > 0 {
		cfg.ControlPort = f.ControlPort
	}
	if f.APIPort > 0 {
		cfg.APIPort = f.APIPort
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
}
