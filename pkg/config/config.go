// Package config loads and saves the dynject configuration file.
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
	configDir  string = ".dynject"
	configFile string = "config.yml"
)

// Config defines all options available to be set through the config
// file. Command-line flags override anything set here.
type Config struct {
	// Method is the default injection method: ptrace, preload or early.
	Method string `yaml:"method"`

	// Library is the default runtime library to inject.
	Library string `yaml:"library"`

	// Options is passed to the injected runtime. Single quotes group
	// values containing spaces.
	Options string `yaml:"options"`

	// Shim overrides the command used to start the handshake shim for
	// launched targets. Parsed with SplitQuotedFields. When unset the
	// dynject binary re-executes itself.
	Shim string `yaml:"shim"`

	// LogOutput is the default set of layers that produce debug output
	// when logging is enabled.
	LogOutput string `yaml:"log-output"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dynject.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Default injection method: ptrace, preload or early.
# method: ptrace

# Default runtime library to inject.
# library: /usr/local/lib/libdynject-rt.so

# Options handed to the injected runtime. Use single quotes around
# values containing spaces.
# options: ""

# Command used to start the handshake shim for launched targets. The
# dynject binary re-executes itself when unset.
# shim: ""

# Layers that produce debug output when --log is given.
# Comma separated: inject, tracer, loader, handshake.
# log-output: inject
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
