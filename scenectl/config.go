package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the optional scenectl config file. Flags win over file
// values; file values win over defaults.
type Config struct {
	AuthUrl    string `toml:"auth_url"`
	BrokerUrl  string `toml:"broker_url"`
	PersistUrl string `toml:"persist_url"`
	AssetHost  string `toml:"asset_host"`

	Realm     string `toml:"realm"`
	Namespace string `toml:"namespace"`

	ImportRoot string `toml:"import_root"`
	TokenPath  string `toml:"token_path"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Realm:      "realm",
		ImportRoot: filepath.Join(home, ".scenesync", "import"),
		TokenPath:  filepath.Join(home, ".scenesync", "token"),
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (self *Config) Validate() error {
	if self.Realm == "" {
		return fmt.Errorf("realm must not be empty")
	}
	if self.ImportRoot == "" {
		return fmt.Errorf("import_root must not be empty")
	}
	return nil
}
