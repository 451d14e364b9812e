package processor

import (
	"callreview-go/internal/attribution"
	"callreview-go/internal/config"
	"callreview-go/internal/logger"
	"callreview-go/internal/router"
	"callreview-go/internal/scoring"
	"callreview-go/internal/transcription"
)

// FromConfig wires the production adapters into a StageRunner. The scoring
// client is returned as well so callers can wait for the model to load.
func FromConfig(cfg config.Config, log *logger.Logger) (*StageRunner, *scoring.OllamaClient, error) {
	rules := attribution.DefaultRuleSet()
	if cfg.RulesPath != "" {
		loaded, err := attribution.LoadRuleSet(cfg.RulesPath)
		if err != nil {
			return nil, nil, &config.Error{Field: "speakerRules", Reason: err.Error()}
		}
		rules = loaded
	}

	var engine transcription.Engine
	switch cfg.Transcriber.Mode {
	case "http":
		engine = &transcription.HTTPEngine{Host: cfg.Transcriber.URL, Token: cfg.Credential}
	default:
		engine = &transcription.CommandEngine{
			Command: cfg.Transcriber.Command,
			Args:    cfg.Transcriber.Args,
			Device:  cfg.Device,
			Token:   cfg.Credential,
		}
	}

	scorer := scoring.NewOllamaClient(cfg.Scoring.URL, cfg.Scoring.Model, cfg.Scoring.Timeout, log)
	runner := New(
		transcription.NewAdapter(engine, rules, log),
		scorer,
		router.New(log),
		Settings{
			Threshold:   cfg.Threshold,
			Workers:     cfg.Runner.Workers,
			CallRetries: cfg.Runner.CallRetries,
			CallTimeout: cfg.Runner.CallTimeout,
		},
		log,
	)
	return runner, scorer, nil
}
