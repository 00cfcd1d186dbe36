// Package config loads the tool's configuration file, following the
// conventions of similar debugging tools: a yaml file in a dot
// directory under the user's home.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".pstack"
	configFile string = "config.yml"
)

// SubstitutePathRule describes a rule for substitution of a path
// prefix, applied to shared library paths read from the target.
type SubstitutePathRule struct {
	// Prefix to be replaced.
	From string
	// Replacement prefix.
	To string
}

// SubstitutePathRules is a slice of path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set
// through the config file.
type Config struct {
	// Shared library path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// DebugInfoDirectories is the list of directories searched to
	// resolve separate debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// MaxFrames caps the number of frames read per thread.
	MaxFrames int `yaml:"max-frames"`
}

// LoadConfig attempts to populate a Config object from the
// config.yml file. A missing or unreadable file produces the
// defaults, never an error.
func LoadConfig() *Config {
	cfg := &Config{
		DebugInfoDirectories: []string{"/usr/lib/debug"},
	}

	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return cfg
	}
	data, err := ioutil.ReadFile(fullConfigFile)
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unable to decode %s: %v\n", fullConfigFile, err)
	}
	return cfg
}

// SaveConfig writes the config back to the config file.
func SaveConfig(conf *Config) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(fullConfigFile, out, 0644)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
