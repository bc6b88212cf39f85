package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/types"
)

// Settings are the connection and runtime settings, normally read from
// .standforge.yml.
type Settings struct {
	APIURL      string `yaml:"api_url"`
	User        string `yaml:"user"`
	Password    string `yaml:"password,omitempty"`
	TokenID     string `yaml:"token_id,omitempty"`
	TokenSecret string `yaml:"token_secret,omitempty"`
	InsecureTLS bool   `yaml:"insecure_tls,omitempty"`

	// DataDir holds the state database. Defaults to the directory the
	// settings file lives in.
	DataDir string `yaml:"data_dir,omitempty"`

	// TaskTimeoutSeconds bounds individual cluster tasks.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds,omitempty"`
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if s.APIURL == "" {
		return nil, fmt.Errorf("%s: api_url is required", path)
	}
	if s.TokenID == "" && s.User == "" {
		return nil, fmt.Errorf("%s: either token_id or user must be set", path)
	}
	if s.TokenID == "" && s.Password == "" {
		return nil, fmt.Errorf("%s: user auth needs a password", path)
	}
	if s.DataDir == "" {
		s.DataDir = filepath.Dir(path)
	}
	return &s, nil
}

// Proxmox converts the settings into a gateway configuration.
func (s *Settings) Proxmox() cluster.ProxmoxConfig {
	return cluster.ProxmoxConfig{
		APIURL:      s.APIURL,
		User:        s.User,
		Password:    s.Password,
		TokenID:     s.TokenID,
		TokenSecret: s.TokenSecret,
		InsecureTLS: s.InsecureTLS,
		TaskTimeout: time.Duration(s.TaskTimeoutSeconds) * time.Second,
	}
}

// Stand is the machine-set configuration: the VMs every user gets.
type Stand struct {
	Machines []types.MachineSpec `yaml:"machines"`
}

// machineDoc is the on-disk shape of one machine; networks are plain alias
// strings there.
type machineDoc struct {
	Name         string            `yaml:"name"`
	DeviceClass  types.DeviceClass `yaml:"device_type"`
	TemplateID   int               `yaml:"template_vmid"`
	TemplateNode string            `yaml:"template_node"`
	Networks     []string          `yaml:"networks"`
	FullClone    bool              `yaml:"full_clone"`
}

type standDoc struct {
	Machines []machineDoc `yaml:"machines"`
}

// LoadStand reads and validates a stand configuration. Network aliases are
// parsed into their logical form, device_type defaults to linux.
func LoadStand(path string) (*Stand, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stand config: %w", err)
	}
	var doc standDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(doc.Machines) == 0 {
		return nil, fmt.Errorf("%s: no machines defined", path)
	}

	stand := &Stand{}
	seen := map[string]bool{}
	for i, m := range doc.Machines {
		if m.Name == "" {
			return nil, fmt.Errorf("%s: machine %d has no name", path, i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("%s: duplicate machine name %q", path, m.Name)
		}
		seen[m.Name] = true
		if m.TemplateID <= 0 {
			return nil, fmt.Errorf("%s: machine %q needs a template_vmid", path, m.Name)
		}
		if m.TemplateNode == "" {
			return nil, fmt.Errorf("%s: machine %q needs a template_node", path, m.Name)
		}

		class := m.DeviceClass
		if class == "" {
			class = types.DeviceLinux
		}
		if class != types.DeviceLinux && class != types.DeviceEcoRouter {
			return nil, fmt.Errorf("%s: machine %q has unknown device_type %q", path, m.Name, m.DeviceClass)
		}

		spec := types.MachineSpec{
			Name:         m.Name,
			DeviceClass:  class,
			TemplateID:   m.TemplateID,
			TemplateNode: m.TemplateNode,
			FullClone:    m.FullClone,
		}
		for _, alias := range m.Networks {
			spec.Networks = append(spec.Networks, types.ParseNetworkAlias(alias))
		}
		stand.Machines = append(stand.Machines, spec)
	}
	return stand, nil
}

type usersDoc struct {
	Users []string `yaml:"users"`
}

// LoadUsers reads a user list file.
func LoadUsers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var doc usersDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(doc.Users) == 0 {
		return nil, fmt.Errorf("%s: no users defined", path)
	}
	seen := map[string]bool{}
	for _, user := range doc.Users {
		if seen[user] {
			return nil, fmt.Errorf("%s: duplicate user %q", path, user)
		}
		seen[user] = true
	}
	return doc.Users, nil
}
