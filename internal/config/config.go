package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv   = "CALLREVIEW_CONFIG"
	credentialEnv   = "HF_TOKEN"
	deviceEnv       = "ACCELERATOR_DEVICE"
	scoringURLEnv   = "SCORING_URL"
	scoringModelEnv = "SCORING_MODEL"
	thresholdEnv    = "SCORE_THRESHOLD"
	executorEnv     = "EXECUTOR"
	rulesPathEnv    = "SPEAKER_RULES"
	workersEnv      = "RUNNER_WORKERS"
	callRetriesEnv  = "CALL_RETRIES"
	callTimeoutEnv  = "CALL_TIMEOUT"

	DefaultThreshold  = 75
	DefaultScoringURL = "http://localhost:11434"
	DefaultModel      = "llama3.2:3b"
)

// Config holds every setting shared by the orchestrator and the stage runner.
type Config struct {
	Credential  string        `yaml:"credential"`
	Device      string        `yaml:"device"`
	Threshold   int           `yaml:"threshold"`
	Executor    string        `yaml:"executor"`
	RulesPath   string        `yaml:"speakerRules"`
	Scoring     ScoringConfig `yaml:"scoring"`
	Jobs        JobsConfig    `yaml:"jobs"`
	Runner      RunnerConfig  `yaml:"runner"`
	Slurm       SlurmConfig   `yaml:"slurm"`
	Transcriber EngineConfig  `yaml:"transcriber"`
}

// ScoringConfig describes how to reach the scoring service.
type ScoringConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// JobsConfig bounds job-level retries and cluster concurrency.
type JobsConfig struct {
	MaxRetries    int           `yaml:"maxRetries"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	Walltime      time.Duration `yaml:"walltime"`
}

// RunnerConfig tunes the per-agent stage runner.
type RunnerConfig struct {
	Workers     int           `yaml:"workers"`
	CallRetries int           `yaml:"callRetries"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// SlurmConfig carries sbatch settings.
type SlurmConfig struct {
	Account       string   `yaml:"account"`
	Partition     string   `yaml:"partition"`
	RunnerCommand string   `yaml:"runnerCommand"`
	MailUser      string   `yaml:"mailUser"`
	Setup         []string `yaml:"setup"`
}

// EngineConfig selects the transcription engine.
type EngineConfig struct {
	Mode    string   `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

// Error is the configuration failure class; it is always fatal and pre-flight.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Threshold: DefaultThreshold,
		Executor:  "slurm",
		Scoring: ScoringConfig{
			URL:     DefaultScoringURL,
			Model:   DefaultModel,
			Timeout: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			MaxRetries:    2,
			MaxConcurrent: 8,
			PollInterval:  5 * time.Minute,
			Walltime:      2 * time.Hour,
		},
		Runner: RunnerConfig{
			Workers:     1,
			CallRetries: 1,
			CallTimeout: 20 * time.Minute,
		},
		Slurm: SlurmConfig{
			Account:       "uwit",
			Partition:     "gpu-h200",
			RunnerCommand: "stagerunner",
			Setup:         []string{"module load apptainer"},
		},
		Transcriber: EngineConfig{
			Mode:    "command",
			Command: "whisperx-segments",
		},
	}
}

// Load reads .env, the optional YAML file and environment overrides, in that order.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, &Error{Field: configPathEnv, Reason: err.Error()}
		}
		if err := cfg.merge(raw); err != nil {
			return cfg, &Error{Field: configPathEnv, Reason: err.Error()}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// merge overlays YAML onto the current values; absent keys keep their defaults.
func (c *Config) merge(raw []byte) error {
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(credentialEnv); v != "" {
		c.Credential = v
	}
	if v := os.Getenv(deviceEnv); v != "" {
		c.Device = v
	}
	if v := os.Getenv(scoringURLEnv); v != "" {
		c.Scoring.URL = v
	}
	if v := os.Getenv(scoringModelEnv); v != "" {
		c.Scoring.Model = v
	}
	if v := os.Getenv(executorEnv); v != "" {
		c.Executor = v
	}
	if v := os.Getenv(rulesPathEnv); v != "" {
		c.RulesPath = v
	}
	if v := os.Getenv(thresholdEnv); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: thresholdEnv, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Threshold = n
	}
	if v := os.Getenv(workersEnv); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: workersEnv, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Runner.Workers = n
	}
	if v := os.Getenv(callRetriesEnv); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: callRetriesEnv, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Runner.CallRetries = n
	}
	if v := os.Getenv(callTimeoutEnv); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: callTimeoutEnv, Reason: fmt.Sprintf("not a duration: %q", v)}
		}
		c.Runner.CallTimeout = d
	}
	return nil
}

// Validate is the pre-flight check; nothing may be submitted when it fails.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Credential) == "" {
		return &Error{Field: "credential", Reason: "required credential is missing (--hf-token or " + credentialEnv + ")"}
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return &Error{Field: "threshold", Reason: fmt.Sprintf("must be within 0..100, got %d", c.Threshold)}
	}
	u, err := url.Parse(c.Scoring.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{Field: "scoring.url", Reason: fmt.Sprintf("invalid endpoint %q", c.Scoring.URL)}
	}
	switch c.Executor {
	case "slurm", "local":
	default:
		return &Error{Field: "executor", Reason: fmt.Sprintf("unknown executor %q", c.Executor)}
	}
	switch c.Transcriber.Mode {
	case "command":
		if c.Transcriber.Command == "" {
			return &Error{Field: "transcriber.command", Reason: "command engine needs a command"}
		}
	case "http":
		if c.Transcriber.URL == "" {
			return &Error{Field: "transcriber.url", Reason: "http engine needs a url"}
		}
	default:
		return &Error{Field: "transcriber.mode", Reason: fmt.Sprintf("unknown mode %q", c.Transcriber.Mode)}
	}
	if c.Jobs.MaxRetries < 0 {
		return &Error{Field: "jobs.maxRetries", Reason: "must not be negative"}
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return &Error{Field: "jobs.maxConcurrent", Reason: "must be > 0"}
	}
	if c.Runner.Workers <= 0 {
		return &Error{Field: "runner.workers", Reason: "must be > 0"}
	}
	return nil
}

// Environ returns the variables a cluster job needs to rebuild this config.
func (c Config) Environ() []string {
	env := []string{
		credentialEnv + "=" + c.Credential,
		scoringURLEnv + "=" + c.Scoring.URL,
		scoringModelEnv + "=" + c.Scoring.Model,
		thresholdEnv + "=" + strconv.Itoa(c.Threshold),
		workersEnv + "=" + strconv.Itoa(c.Runner.Workers),
		callRetriesEnv + "=" + strconv.Itoa(c.Runner.CallRetries),
		callTimeoutEnv + "=" + c.Runner.CallTimeout.String(),
	}
	if c.Device != "" {
		env = append(env, deviceEnv+"="+c.Device, "CUDA_VISIBLE_DEVICES="+c.Device)
	}
	if c.RulesPath != "" {
		env = append(env, rulesPathEnv+"="+c.RulesPath)
	}
	if path := os.Getenv(configPathEnv); path != "" {
		env = append(env, configPathEnv+"="+path)
	}
	return env
}
