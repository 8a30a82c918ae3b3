package supervisor

import (
	"strings"
	"testing"

	"github.com/castellan/castellan/internal/config"
)

func argString(args []string) string {
	return strings.Join(args, " ")
}

func TestContainerArgsBasics(t *testing.T) {
	cfg := &config.Config{Runtime: config.RuntimeConfig{MemoryMB: 256}}
	p := NewPodmanConnector(cfg)

	args := p.containerArgs(config.ServerConfig{
		Name:    "fs",
		Command: "mcp-fs",
		Args:    []string{"--root", "/data"},
	})
	got := argString(args)

	for _, want := range []string{
		"--name " + ContainerName("fs"),
		"--memory 256m",
		"--network=none",
		"mcp-fs --root /data",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q: %s", want, got)
		}
	}
	if args[len(args)-4] != cfg.Runtime.Image() {
		t.Fatalf("image not placed before command: %v", args)
	}
}

func TestContainerArgsNetworkAllowed(t *testing.T) {
	cfg := &config.Config{Runtime: config.RuntimeConfig{NetworkAllowed: true}}
	p := NewPodmanConnector(cfg)

	args := p.containerArgs(config.ServerConfig{Name: "web", Command: "mcp-web"})
	if strings.Contains(argString(args), "--network=none") {
		t.Fatalf("network disabled despite allow: %v", args)
	}
}

func TestContainerArgsValuesBecomeEnv(t *testing.T) {
	cfg := &config.Config{DataDir: "/var/lib/castellan"}
	p := NewPodmanConnector(cfg)

	args := p.containerArgs(config.ServerConfig{
		Name:    "gh",
		Command: "mcp-github",
		Env:     map[string]string{"TOKEN": "abc"},
		Values: map[string]any{
			"org":        "acme",
			"max-pages":  25,
			"dry_run":    true,
			"repos":      []any{"one", "two"},
			"cache.path": "{{ .data_dir }}/gh",
		},
	})
	got := argString(args)

	for _, want := range []string{
		"-e TOKEN=abc",
		"-e CASTELLAN_VALUE_ORG=acme",
		"-e CASTELLAN_VALUE_MAX_PAGES=25",
		"-e CASTELLAN_VALUE_DRY_RUN=true",
		"-e CASTELLAN_VALUE_REPOS=one,two",
		"-e CASTELLAN_VALUE_CACHE_PATH=/var/lib/castellan/gh",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q: %s", want, got)
		}
	}
}

func TestValueEnvName(t *testing.T) {
	cases := map[string]string{
		"org":        "CASTELLAN_VALUE_ORG",
		"max-pages":  "CASTELLAN_VALUE_MAX_PAGES",
		"cache.path": "CASTELLAN_VALUE_CACHE_PATH",
		"v2":         "CASTELLAN_VALUE_V2",
	}
	for key, want := range cases {
		if got := valueEnvName(key); got != want {
			t.Errorf("valueEnvName(%q) = %q, want %q", key, got, want)
		}
	}
}
