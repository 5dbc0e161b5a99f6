// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RcConfig is the rc-file surface: session defaults the flags can override.
type RcConfig struct {
	Jobs     int      `yaml:"jobs"`
	Shell    string   `yaml:"shell"`
	Echo     bool     `yaml:"echo"`
	CacheDir string   `yaml:"cacheDir"`
	SSHHosts []string `yaml:"sshHosts"`
}

// RcPath returns the rc file location: SMAK_RCFILE, or the XDG config dir.
func RcPath() string {
	if p := os.Getenv("SMAK_RCFILE"); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, "smak", "smakrc.yaml")
}

// LoadRc reads the rc file. A missing file yields the zero config; a
// malformed one is an error so typos don't silently vanish.
func LoadRc(norc bool) (RcConfig, error) {
	var cfg RcConfig
	if norc {
		return cfg, nil
	}
	path := RcPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading rc file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing rc file %s", path)
	}
	return cfg, nil
}
