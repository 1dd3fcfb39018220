package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":        environmentDevelopment,
		"prod":    environmentProduction,
		"PROD":    environmentProduction,
		"stag":    environmentStaging,
		"staging": environmentStaging,
		"custom":  "custom",
	}
	for raw, want := range cases {
		t.Setenv(appEnvVar, raw)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment() with APP_ENV=%q = %q, want %q", raw, got, want)
		}
	}
}

func TestResolveConfigPathPrefersEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config.production.yml"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	t.Setenv(appEnvVar, "production")
	if got := ResolveConfigPath(defaultConfigPath); got != "config/config.production.yml" {
		t.Errorf("ResolveConfigPath(default) = %q, want production config", got)
	}

	// An explicit non-default path always wins.
	if got := ResolveConfigPath("other/custom.yml"); got != "other/custom.yml" {
		t.Errorf("ResolveConfigPath(explicit) = %q, want other/custom.yml", got)
	}

	// Without an environment file the default stands.
	t.Setenv(appEnvVar, "staging")
	if got := ResolveConfigPath(defaultConfigPath); got != defaultConfigPath {
		t.Errorf("ResolveConfigPath(no staging file) = %q, want %q", got, defaultConfigPath)
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(environmentProduction) || !IsProductionLike(environmentStaging) {
		t.Error("production and staging must be production-like")
	}
	if IsProductionLike(environmentDevelopment) {
		t.Error("development must not be production-like")
	}
}
