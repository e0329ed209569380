package config

import (
	toml "github.com/pelletier/go-toml/v2"
)

// Parse decodes a TOML document into a Config without validation or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
