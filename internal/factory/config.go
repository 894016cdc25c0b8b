package factory

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk shape of one operator-declared instance type
// in factories.yaml.
type fileSpec struct {
	Command        []string          `yaml:"command"`
	Env            map[string]string `yaml:"env"`
	PortEnvVar     string            `yaml:"port_env_var"`
	HealthPath     string            `yaml:"health_path"`
	StartupSeconds int               `yaml:"startup_timeout_seconds"`
}

type fileConfig struct {
	Types map[string]fileSpec `yaml:"types"`
}

// LoadConfig reads additional instance types from a YAML file and
// registers them, overriding any built-in of the same name. A missing
// file is not an error — the registry simply keeps its built-ins.
func (r *Registry) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	for name, fs := range cfg.Types {
		timeout := 30 * time.Second
		if fs.StartupSeconds > 0 {
			timeout = time.Duration(fs.StartupSeconds) * time.Second
		}
		r.Register(name, Spec{
			Command:        fs.Command,
			Env:            fs.Env,
			PortEnvVar:     fs.PortEnvVar,
			HealthPath:     fs.HealthPath,
			StartupTimeout: timeout,
		})
	}
	return nil
}
