package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FusionSolarConfig defines how to reach the vendor northbound API.
type FusionSolarConfig struct {
	BaseURL         string        `mapstructure:"base_url"`         // e.g. https://eu5.fusionsolar.huawei.com
	Username        string        `mapstructure:"username"`         // northbound API user
	UsernameEnv     string        `mapstructure:"username_env"`     // env var holding the user name
	SystemCode      string        `mapstructure:"system_code"`      // northbound API password
	SystemCodeEnv   string        `mapstructure:"system_code_env"`  // env var holding the password
	Timeout         time.Duration `mapstructure:"timeout"`          // per request
	RequestInterval time.Duration `mapstructure:"request_interval"` // min gap between control-mode calls
}

// ResolveEnvVars loads credentials from the referenced environment variables.
// Direct values take precedence if already set.
func (c *FusionSolarConfig) ResolveEnvVars() {
	if c.UsernameEnv != "" && c.Username == "" {
		if val := os.Getenv(c.UsernameEnv); val != "" {
			c.Username = val
		}
	}
	if c.SystemCodeEnv != "" && c.SystemCode == "" {
		if val := os.Getenv(c.SystemCodeEnv); val != "" {
			c.SystemCode = val
		}
	}
}

// Validate checks that the options the collector needs are present.
func (c *FusionSolarConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("fusionsolar: base_url is required")
	}
	if c.Username == "" {
		return fmt.Errorf("fusionsolar: username is required (set directly or via %s)", envOrDefault(c.UsernameEnv, "FS_USERNAME"))
	}
	if c.SystemCode == "" {
		return fmt.Errorf("fusionsolar: system_code is required (set directly or via %s)", envOrDefault(c.SystemCodeEnv, "FS_PASSWORD"))
	}
	if c.RequestInterval < 0 {
		return fmt.Errorf("fusionsolar: request_interval must not be negative")
	}
	return nil
}

// NormalizedBaseURL returns BaseURL with a scheme and without a trailing slash.
func (c *FusionSolarConfig) NormalizedBaseURL() string {
	u := strings.TrimSpace(c.BaseURL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimSuffix(u, "/")
}

func envOrDefault(name, def string) string {
	if name != "" {
		return name
	}
	return def
}
