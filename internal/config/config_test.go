package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateRequiresCredential(t *testing.T) {
	cfg := Default()

	err := cfg.Validate()
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Validate() error = %v, want *Error", err)
	}
	if cfgErr.Field != "credential" {
		t.Fatalf("field = %q, want credential", cfgErr.Field)
	}

	cfg.Credential = "hf_secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with credential: %v", err)
	}
}

func TestValidateRejectsBadEndpointAndThreshold(t *testing.T) {
	cfg := Default()
	cfg.Credential = "hf_secret"

	cfg.Scoring.URL = "localhost"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for endpoint without scheme")
	}

	cfg.Scoring.URL = DefaultScoringURL
	cfg.Threshold = 101
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for threshold above 100")
	}
}

func TestLoadMergesYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callreview.yaml")
	yamlDoc := `
threshold: 60
scoring:
  model: llama3.1:8b
jobs:
  maxRetries: 4
  pollInterval: 30s
runner:
  workers: 2
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv(configPathEnv, path)
	t.Setenv(credentialEnv, "hf_env")
	t.Setenv(scoringURLEnv, "http://gpu-node:11434")
	t.Setenv(thresholdEnv, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Threshold != 60 {
		t.Fatalf("threshold = %d, want 60", cfg.Threshold)
	}
	if cfg.Scoring.Model != "llama3.1:8b" {
		t.Fatalf("model = %q", cfg.Scoring.Model)
	}
	if cfg.Scoring.URL != "http://gpu-node:11434" {
		t.Fatalf("scoring url = %q", cfg.Scoring.URL)
	}
	if cfg.Credential != "hf_env" {
		t.Fatalf("credential = %q", cfg.Credential)
	}
	if cfg.Jobs.MaxRetries != 4 || cfg.Jobs.PollInterval != 30*time.Second {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Jobs.MaxConcurrent != 8 {
		t.Fatalf("maxConcurrent default lost: %d", cfg.Jobs.MaxConcurrent)
	}
	if cfg.Runner.Workers != 2 {
		t.Fatalf("workers = %d", cfg.Runner.Workers)
	}
}

func TestLoadRejectsNonNumericThreshold(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(thresholdEnv, "high")

	_, err := Load()
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *Error", err)
	}
}

func TestEnvironCarriesDevice(t *testing.T) {
	cfg := Default()
	cfg.Credential = "hf_secret"
	cfg.Device = "1"

	env := cfg.Environ()
	want := map[string]bool{
		"HF_TOKEN=hf_secret":     false,
		"CUDA_VISIBLE_DEVICES=1": false,
		"SCORE_THRESHOLD=75":     false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Fatalf("Environ() missing %s in %v", kv, env)
		}
	}
}

func TestEnvironRoundTripsRunnerSettings(t *testing.T) {
	t.Setenv(configPathEnv, "")
	cfg := Default()
	cfg.Credential = "hf_secret"
	cfg.Threshold = 60
	cfg.Runner.Workers = 4
	cfg.Runner.CallRetries = 3
	cfg.Runner.CallTimeout = 7 * time.Minute

	for _, kv := range cfg.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}

	job, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if job.Runner != cfg.Runner {
		t.Fatalf("job runner = %+v, want %+v", job.Runner, cfg.Runner)
	}
	if job.Threshold != 60 || job.Credential != "hf_secret" {
		t.Fatalf("job config = %+v", job)
	}
}

func TestLoadRejectsBadRunnerEnv(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(workersEnv, "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric worker count")
	}

	t.Setenv(workersEnv, "")
	t.Setenv(callTimeoutEnv, "soon")
	var cfgErr *Error
	if _, err := Load(); !errors.As(err, &cfgErr) || cfgErr.Field != callTimeoutEnv {
		t.Fatalf("Load() error = %v", err)
	}
}
