// Package docker provides tests for the Docker deployment configuration
package docker

import (
	"os"
	"strings"
	"testing"
)

// TestComposeStructure validates docker-compose.yml structure
func TestComposeStructure(t *testing.T) {
	content, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("Failed to read docker-compose.yml: %v", err)
	}
	contentStr := string(content)

	requiredSections := []string{
		"services:",
		"volumes:",
		"networks:",
	}
	for _, section := range requiredSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Missing required section: %s", section)
		}
	}

	requiredServices := []string{
		"postgres:",
		"redis:",
		"openldap:",
		"dirgate:",
	}
	for _, service := range requiredServices {
		if !strings.Contains(contentStr, service) {
			t.Errorf("Missing required service: %s", service)
		}
	}
}

// TestComposeServiceEnvironment validates the dirgate service environment
func TestComposeServiceEnvironment(t *testing.T) {
	content, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("Failed to read docker-compose.yml: %v", err)
	}
	contentStr := string(content)

	serviceIndex := strings.Index(contentStr, "dirgate:")
	if serviceIndex == -1 {
		t.Fatal("dirgate service not found")
	}
	serviceSection := contentStr[serviceIndex:]

	if !strings.Contains(serviceSection, "APP_ENV: production") {
		t.Error("dirgate should run with APP_ENV: production")
	}
	if !strings.Contains(serviceSection, "DATABASE_URL:") {
		t.Error("dirgate needs DATABASE_URL")
	}
	if !strings.Contains(serviceSection, "REDIS_URL:") {
		t.Error("dirgate needs REDIS_URL")
	}

	// The JWT secret must come from the environment, never a baked-in value
	if !strings.Contains(serviceSection, "JWT_SECRET: ${JWT_SECRET:?") {
		t.Error("JWT_SECRET must be required from the deployment environment")
	}
}

// TestComposeHealthchecks validates that every long-running service declares
// a healthcheck and that dirgate waits for healthy dependencies
func TestComposeHealthchecks(t *testing.T) {
	content, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("Failed to read docker-compose.yml: %v", err)
	}
	contentStr := string(content)

	if got := strings.Count(contentStr, "healthcheck:"); got < 3 {
		t.Errorf("Expected healthchecks on postgres, redis, and dirgate, found %d", got)
	}
	if !strings.Contains(contentStr, "condition: service_healthy") {
		t.Error("dirgate must depend on healthy postgres and redis")
	}
	if !strings.Contains(contentStr, "pg_isready") {
		t.Error("postgres healthcheck should use pg_isready")
	}
}

// TestComposeMigrationsMounted validates schema bootstrap via initdb
func TestComposeMigrationsMounted(t *testing.T) {
	content, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("Failed to read docker-compose.yml: %v", err)
	}

	if !strings.Contains(string(content), "migrations:/docker-entrypoint-initdb.d") {
		t.Error("Postgres should mount ../../migrations into docker-entrypoint-initdb.d")
	}
}

// TestComposeRestartPolicy validates restart policies on all services
func TestComposeRestartPolicy(t *testing.T) {
	content, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("Failed to read docker-compose.yml: %v", err)
	}

	if got := strings.Count(string(content), "restart: always"); got < 4 {
		t.Errorf("All services should have restart: always, found %d", got)
	}
}

// TestDockerfileBuild validates the multi-stage Dockerfile
func TestDockerfileBuild(t *testing.T) {
	content, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("Failed to read Dockerfile: %v", err)
	}
	contentStr := string(content)

	checks := []struct {
		want string
		desc string
	}{
		{"AS builder", "multi-stage build"},
		{"CGO_ENABLED=0", "static binary"},
		{"-X main.Version=", "version stamping"},
		{"./cmd/dirgate", "service entry point"},
		{"USER dirgate", "non-root runtime user"},
		{"EXPOSE 8080", "service port"},
	}
	for _, c := range checks {
		if !strings.Contains(contentStr, c.want) {
			t.Errorf("Dockerfile missing %s (%q)", c.desc, c.want)
		}
	}

	if strings.Contains(contentStr, "FROM golang") && !strings.Contains(contentStr, "FROM alpine") {
		t.Error("Runtime image should be a minimal base, not the Go toolchain image")
	}
}
