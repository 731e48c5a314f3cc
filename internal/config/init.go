package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const template = `# peleka deployment configuration
service: %s

image: %s

servers:
  - deploy@server.example.com

# Container ports. "8080" exposes a container port (blue-green capable),
# "80:8080" binds a static host port (forces the recreate strategy).
ports: []

# volumes:
#   - /srv/app/data:/data

env:
  # LITERAL: value
  # FROM_HOST: { env: HOST_VAR }

healthcheck:
  cmd: ["curl", "-fsS", "http://localhost:8080/health"]
  interval: 10s
  timeout: 5s
  retries: 3
  start_period: 15s

health_timeout: 2m
image_pull_timeout: 5m

stop:
  timeout: 30s

cleanup:
  grace_period: 30s

# destinations:
#   production:
#     servers:
#       - deploy@prod1.example.com
#       - deploy@prod2.example.com
`

// Init writes a starter peleka.yml into dir. Existing files are only
// overwritten when force is set.
func Init(dir, service, image string, force bool) (string, error) {
	if service == "" {
		service = "my-app"
	}
	if image == "" {
		image = "my-registry/my-app:latest"
	}

	path := filepath.Join(dir, Filename)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("file already exists: %s", path)
	}

	content := fmt.Sprintf(template, service, image)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
