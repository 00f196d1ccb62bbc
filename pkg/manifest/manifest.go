// Package manifest parses flash-package manifests and checks the declared
// components against an extracted package directory.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest's name at the package root.
const FileName = "manifest.yml"

// Manifest describes a flash package
type Manifest struct {
	ID          string   `yaml:"id"`
	Version     string   `yaml:"version"`
	Channel     string   `yaml:"channel"`
	CreatedAt   string   `yaml:"created_at"`
	Description string   `yaml:"description"`
	URL         string   `yaml:"url"`
	Machine     Machine  `yaml:"machine"`
	Packages    Packages `yaml:"packages"`
}

// Machine identifies the target hardware
type Machine struct {
	Name       string `yaml:"name"`
	Generation string `yaml:"gen"`
	Revision   string `yaml:"rev"`
}

// Component is one file shipped in the package
type Component struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Size    uint64 `yaml:"size"`
	SHA2    string `yaml:"sha2"`
}

// Packages is the fixed component set of a flash package
type Packages struct {
	Linux    Component `yaml:"linux"`
	Rootfs   Component `yaml:"rootfs"`
	Uboot    Component `yaml:"uboot"`
	DTB      Component `yaml:"dtb"`
	Mfgtools Component `yaml:"mfgtools"`
	Script   Component `yaml:"script"`
}

// Component roles, in validation order
const (
	RoleLinux    = "linux"
	RoleRootfs   = "rootfs"
	RoleUboot    = "uboot"
	RoleDTB      = "dtb"
	RoleMfgtools = "mfgtools"
	RoleScript   = "script"
)

// Roles lists every component role in validation order.
var Roles = []string{RoleLinux, RoleRootfs, RoleUboot, RoleDTB, RoleMfgtools, RoleScript}

// NamedComponent pairs a component with its role.
type NamedComponent struct {
	Role string
	Component
}

// Components returns the components in validation order.
func (m *Manifest) Components() []NamedComponent {
	return []NamedComponent{
		{RoleLinux, m.Packages.Linux},
		{RoleRootfs, m.Packages.Rootfs},
		{RoleUboot, m.Packages.Uboot},
		{RoleDTB, m.Packages.DTB},
		{RoleMfgtools, m.Packages.Mfgtools},
		{RoleScript, m.Packages.Script},
	}
}

var (
	identityKeys  = []string{"id", "version", "channel", "created_at", "description", "url", "machine", "packages"}
	machineKeys   = []string{"name", "gen", "rev"}
	componentKeys = []string{"name", "version", "size", "sha2"}
)

// Parse reads and decodes the manifest at path.
func Parse(path string) (*Manifest, error) {
	slog.Info("manifest_parse", "path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Error("manifest_read_failed", "path", path, "error", err)
		return nil, &ParseError{Path: path, Err: err}
	}

	m, err := Decode(bytes.NewReader(raw))
	if err != nil {
		slog.Error("manifest_decode_failed", "path", path, "error", err)
		return nil, &ParseError{Path: path, Err: err}
	}

	slog.Info("manifest_parsed", "path", path, "id", m.ID, "version", m.Version, "machine", m.Machine.Name)
	return m, nil
}

// Decode decodes a manifest, rejecting documents that miss a required key
// or carry a value of the wrong type.
func Decode(r io.Reader) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty manifest")
		}
		return nil, err
	}

	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}
	root := doc.Content[0]

	if err := requireKeys(root, "", identityKeys); err != nil {
		return nil, err
	}
	if err := requireKeys(lookup(root, "machine"), "machine", machineKeys); err != nil {
		return nil, err
	}
	packages := lookup(root, "packages")
	if err := requireKeys(packages, "packages", Roles); err != nil {
		return nil, err
	}
	for _, role := range Roles {
		if err := requireKeys(lookup(packages, role), "packages."+role, componentKeys); err != nil {
			return nil, err
		}
	}

	var m Manifest
	if err := root.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func requireKeys(node *yaml.Node, path string, keys []string) error {
	if node == nil || node.Kind != yaml.MappingNode {
		if path == "" {
			return fmt.Errorf("manifest must be a mapping")
		}
		return fmt.Errorf("%s must be a mapping", path)
	}
	for _, key := range keys {
		if lookup(node, key) == nil {
			if path == "" {
				return fmt.Errorf("missing required field %q", key)
			}
			return fmt.Errorf("missing required field %q", path+"."+key)
		}
	}
	return nil
}

func lookup(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
