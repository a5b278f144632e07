package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/christopherjohns/chatrelay/internal/config"
	"gopkg.in/yaml.v3"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Volumes     []string       `yaml:"volumes"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	// From internal/docker/ go up 2 levels to the module root
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var compose ComposeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return compose
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), path))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func assertPortMapping(t *testing.T, ports []string, expected string) {
	t.Helper()
	for _, p := range ports {
		if p == expected {
			return
		}
	}
	t.Errorf("expected port mapping %s, got %v", expected, ports)
}

func TestDockerComposeHasAllServices(t *testing.T) {
	compose := readCompose(t)

	for _, name := range []string{"chatrelay", "redis", "postgres"} {
		if _, ok := compose.Services[name]; !ok {
			t.Errorf("missing service: %s", name)
		}
	}
	if len(compose.Services) != 3 {
		t.Errorf("expected 3 services, got %d", len(compose.Services))
	}
}

func TestChatrelayService(t *testing.T) {
	svc := readCompose(t).Services["chatrelay"]

	if svc.Build == nil || svc.Build.Context != "." {
		t.Error("chatrelay build context should be the module root")
	}
	assertPortMapping(t, svc.Ports, "8080:8080")

	for _, dep := range []string{"redis", "postgres"} {
		if _, ok := svc.DependsOn[dep]; !ok {
			t.Errorf("chatrelay should depend on %s", dep)
		}
	}
	if svc.Healthcheck == nil {
		t.Fatal("chatrelay should have a healthcheck")
	}
	if !strings.Contains(strings.Join(svc.Healthcheck.Test, " "), "/health") {
		t.Errorf("healthcheck should probe /health, got %v", svc.Healthcheck.Test)
	}

	env := map[string]string{}
	for _, e := range svc.Environment {
		k, v, _ := strings.Cut(e, "=")
		env[k] = v
	}
	if env["CHATRELAY_STORE_TYPE"] != config.StoreRedis {
		t.Errorf("chatrelay should use the redis store, got %q", env["CHATRELAY_STORE_TYPE"])
	}
	if env["CHATRELAY_STORE_REDIS_ADDR"] != "redis:6379" {
		t.Errorf("chatrelay should reach redis at redis:6379, got %q", env["CHATRELAY_STORE_REDIS_ADDR"])
	}
}

// The compose environment must be a configuration the server accepts.
func TestChatrelayEnvironmentLoads(t *testing.T) {
	svc := readCompose(t).Services["chatrelay"]
	{
		prevDir, err := os.Getwd()
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Chdir(t.TempDir()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = os.Chdir(prevDir) })
	}
	for _, e := range svc.Environment {
		k, v, _ := strings.Cut(e, "=")
		t.Setenv(k, v)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("compose environment rejected: %v", err)
	}
	if cfg.Store.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Store.Redis.Addr)
	}
	if cfg.Store.SQL.Driver != "postgres" || !strings.Contains(cfg.Store.SQL.DSN, "host=postgres") {
		t.Errorf("sql settings should point at the postgres service, got %+v", cfg.Store.SQL)
	}
}

func TestRedisService(t *testing.T) {
	redis := readCompose(t).Services["redis"]

	if !strings.HasPrefix(redis.Image, "redis:") {
		t.Errorf("redis image should be redis:*, got %s", redis.Image)
	}
	assertPortMapping(t, redis.Ports, "6379:6379")

	if redis.Healthcheck == nil {
		t.Error("redis should have a healthcheck")
	}

	hasDataVolume := false
	for _, v := range redis.Volumes {
		if strings.Contains(v, "redis-data") {
			hasDataVolume = true
		}
	}
	if !hasDataVolume {
		t.Error("redis should mount a persistent data volume")
	}
}

func TestPostgresService(t *testing.T) {
	pg := readCompose(t).Services["postgres"]

	if !strings.HasPrefix(pg.Image, "postgres:") {
		t.Errorf("postgres image should be postgres:*, got %s", pg.Image)
	}
	if pg.Healthcheck == nil {
		t.Error("postgres should have a healthcheck")
	}
	hasDataVolume := false
	for _, v := range pg.Volumes {
		if strings.Contains(v, "postgres-data") {
			hasDataVolume = true
		}
	}
	if !hasDataVolume {
		t.Error("postgres should mount a persistent data volume")
	}
}

func TestVolumesDefined(t *testing.T) {
	compose := readCompose(t)
	for _, name := range []string{"redis-data", "postgres-data"} {
		if _, ok := compose.Volumes[name]; !ok {
			t.Errorf("%s volume should be defined at the top level", name)
		}
	}
}

func TestDockerfileContent(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "FROM golang:") {
		t.Error("should use golang base image")
	}
	if !strings.Contains(content, "AS builder") {
		t.Error("should use multi-stage build")
	}
	if !strings.Contains(content, "./cmd/server") {
		t.Error("should build the server command")
	}
	if !strings.Contains(content, "EXPOSE 8080") {
		t.Error("should expose port 8080")
	}
}

func TestDockerignore(t *testing.T) {
	content := readFile(t, ".dockerignore")
	for _, entry := range []string{".git", ".env"} {
		if !strings.Contains(content, entry) {
			t.Errorf(".dockerignore should exclude %s", entry)
		}
	}
}

func TestRestartPolicies(t *testing.T) {
	compose := readCompose(t)
	for name, svc := range compose.Services {
		if svc.Restart != "unless-stopped" {
			t.Errorf("service %s should have restart: unless-stopped, got %q", name, svc.Restart)
		}
	}
}

func TestNetworkDefined(t *testing.T) {
	compose := readCompose(t)
	net, ok := compose.Networks["chatrelay"]
	if !ok {
		t.Fatal("chatrelay network should be defined at the top level")
	}
	if net.Driver != "bridge" {
		t.Errorf("chatrelay network driver should be bridge, got %q", net.Driver)
	}
}

func TestAllServicesOnNetwork(t *testing.T) {
	compose := readCompose(t)
	for name, svc := range compose.Services {
		found := false
		for _, n := range svc.Networks {
			if n == "chatrelay" {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("service %s should be on chatrelay network", name)
		}
	}
}

func TestRedisMemoryLimit(t *testing.T) {
	redis := readCompose(t).Services["redis"]
	if !strings.Contains(redis.Command, "--maxmemory") {
		t.Error("redis should have a maxmemory setting for local development")
	}
	if !strings.Contains(redis.Command, "--maxmemory-policy") {
		t.Error("redis should have a maxmemory-policy setting")
	}
}
