package multiplexer

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed install_table.yaml
var defaultInstallTable []byte

// InstallTable maps distros to the shell command that installs tmux.
type InstallTable struct {
	PackageManagers map[string]string `yaml:"package_managers"`
	Distros         map[Distro]string `yaml:"distros"`
}

// Command returns the install command for d.
func (t *InstallTable) Command(d Distro) (string, bool) {
	if t == nil {
		return "", false
	}
	pm, ok := t.Distros[d]
	if !ok {
		return "", false
	}
	cmd, ok := t.PackageManagers[pm]
	return cmd, ok && cmd != ""
}

// ParseInstallTable decodes a YAML install table.
func ParseInstallTable(data []byte) (*InstallTable, error) {
	var t InstallTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse install table: %w", err)
	}
	for distro, pm := range t.Distros {
		if _, ok := t.PackageManagers[pm]; !ok {
			return nil, fmt.Errorf("install table: distro %q names unknown package manager %q", distro, pm)
		}
	}
	return &t, nil
}

// DefaultInstallTable returns the embedded table.
func DefaultInstallTable() *InstallTable {
	t, err := ParseInstallTable(defaultInstallTable)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadInstallTable reads the table at path, or returns the embedded one
// when path is empty.
func LoadInstallTable(path string) (*InstallTable, error) {
	if path == "" {
		return DefaultInstallTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read install table: %w", err)
	}
	return ParseInstallTable(data)
}
