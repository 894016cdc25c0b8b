// Package statedir resolves the on-disk layout of the controller's
// persistent state directory, per the filesystem contract.
package statedir

import (
	"os"
	"path/filepath"
)

// Dir represents a resolved, created state directory.
type Dir struct {
	root string
}

// Default returns ~/.local/share/telegram_controller.
func Default() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "telegram_controller")
}

// Open resolves root, creating it and its logs/pids subdirectories.
func Open(root string) (*Dir, error) {
	if root == "" {
		root = Default()
	}
	d := &Dir{root: root}
	for _, sub := range []string{"", "logs", "pids"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) InstancesFile() string     { return filepath.Join(d.root, "instances.json") }
func (d *Dir) RouterStateFile() string   { return filepath.Join(d.root, "router_state.json") }
func (d *Dir) PollingOffsetFile() string { return filepath.Join(d.root, "polling_offset.json") }
func (d *Dir) FactoryConfigFile() string { return filepath.Join(d.root, "factories.yaml") }
func (d *Dir) ConfigFile() string        { return filepath.Join(d.root, "config.json") }
func (d *Dir) LockFile() string          { return filepath.Join(d.root, "daemon.lock") }
func (d *Dir) PIDsDir() string           { return filepath.Join(d.root, "pids") }
func (d *Dir) LogsDir() string           { return filepath.Join(d.root, "logs") }

func (d *Dir) StdoutLog(instanceID string) string {
	return filepath.Join(d.LogsDir(), instanceID+"_stdout.log")
}

func (d *Dir) StderrLog(instanceID string) string {
	return filepath.Join(d.LogsDir(), instanceID+"_stderr.log")
}
