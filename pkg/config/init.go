package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const settingsExample = `# Cluster connection settings.
api_url: https://pve.example.com:8006/api2/json
# Token auth (preferred):
#token_id: provisioner@pve!standforge
#token_secret: 00000000-0000-0000-0000-000000000000
# Or ticket auth:
user: root@pam
password: changeme
insecure_tls: false
# Where the state database lives. Defaults to this file's directory.
#data_dir: /var/lib/standforge
`

const standExample = `# The machines every user gets.
machines:
  - name: srv-hq
    device_type: linux
    template_vmid: 100
    template_node: pve1
    networks:
      - hq
  - name: rtr-edge
    device_type: ecorouter
    template_vmid: 101
    template_node: pve1
    networks:
      - hq
      - inet
`

const usersExample = `users:
  - student1@pve
  - student2@pve
`

// WriteStarterFiles writes commented example configuration files into dir.
// Existing files are left alone.
func WriteStarterFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string]string{
		".standforge.yml": settingsExample,
		"stand.yml":       standExample,
		"users.yml":       usersExample,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}
