package node

import "github.com/kelseyhightower/envconfig"

type Config struct {
	Host    string `envconfig:"STRIPEFS_NODE_HOST" default:"0.0.0.0"`
	Port    int    `envconfig:"STRIPEFS_NODE_PORT"`
	Root    string `envconfig:"STRIPEFS_NODE_ROOT"`
	LogFile string `envconfig:"STRIPEFS_NODE_LOG"`
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
