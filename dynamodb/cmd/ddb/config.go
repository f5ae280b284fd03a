package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/acksell/immaterial/dynamodb/ddbstate"
	"github.com/acksell/immaterial/dynamodb/provision"
	"gopkg.in/yaml.v3"
)

const (
	configFileName  = "ddb.provision.yaml"
	defaultStateDir = ".ddb/state"
	defaultLogLevel = "info"
)

// FileConfig is the content of ddb.provision.yaml.
type FileConfig struct {
	TableName string            `yaml:"tableName"`
	Tags      map[string]string `yaml:"tags"`

	// Region overrides the region from the AWS shared config.
	Region string `yaml:"region"`

	// StateDir is where BadgerDB stores applied state.
	StateDir  string `yaml:"stateDir"`
	Workspace string `yaml:"workspace"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig reads the config file at path. With an empty path it searches
// for ddb.provision.yaml from dir up to the filesystem root and returns an
// empty config if none is found. The path of the file read is returned, or
// "" when there was none.
func LoadConfig(path, dir string) (FileConfig, string, error) {
	var cfg FileConfig

	if path == "" {
		path = findConfigFile(dir)
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, "", fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, path, nil
}

func findConfigFile(dir string) string {
	if dir == "" {
		return ""
	}
	for {
		path := filepath.Join(dir, configFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// settings is the merged result of the config file and the global flags.
type settings struct {
	Inputs    provision.Inputs
	Region    string
	StateDir  string
	Workspace string
	LogLevel  string
	Pretty    bool
}

// merge applies flags over file values. Tags merge per key.
func merge(file FileConfig, g Globals) settings {
	s := settings{
		Inputs: provision.Inputs{
			TableName: file.TableName,
		},
		Region:    file.Region,
		StateDir:  file.StateDir,
		Workspace: file.Workspace,
		LogLevel:  file.Log.Level,
		Pretty:    file.Log.Pretty || g.Pretty,
	}
	if len(file.Tags) > 0 || len(g.Tags) > 0 {
		s.Inputs.Tags = maps.Clone(file.Tags)
		if s.Inputs.Tags == nil {
			s.Inputs.Tags = make(map[string]string, len(g.Tags))
		}
		maps.Copy(s.Inputs.Tags, g.Tags)
	}

	override(&s.Inputs.TableName, g.TableName)
	override(&s.Region, g.Region)
	override(&s.StateDir, g.StateDir)
	override(&s.Workspace, g.Workspace)
	override(&s.LogLevel, g.LogLevel)

	if s.StateDir == "" {
		s.StateDir = defaultStateDir
	}
	if s.Workspace == "" {
		s.Workspace = ddbstate.DefaultWorkspace
	}
	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}
	return s
}

// resolveStateDir makes a relative state directory relative to base, the
// directory of the config file or the working directory.
func resolveStateDir(dir, base string) string {
	if filepath.IsAbs(dir) || base == "" {
		return dir
	}
	return filepath.Join(base, dir)
}

func override(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}
