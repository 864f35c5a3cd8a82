// Package config loads server defaults from an optional YAML file, to
// be layered under whatever the operator passes on the command line.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// File is the shape of an optional --config YAML file. Every field is
// optional; whichever are set become defaults that CLI flags still
// override (flag values always win, see cmd/udpfsd).
type File struct {
	Port        *uint16 `yaml:"port"`
	Dir         *string `yaml:"dir"`
	ServerHost  *string `yaml:"server_host"`
	AtMostOnce  *bool   `yaml:"at_most_once"`
	Watch       *bool   `yaml:"watch"`
	LogLevel    *string `yaml:"log_level"`
}

// Load reads and parses path, returning an error if the file cannot be
// read or parsed; callers only invoke Load when --config was actually
// supplied.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
