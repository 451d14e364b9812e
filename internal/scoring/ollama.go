// Package scoring asks a local language model to grade a call transcript
// against the help-desk rubric and parses whatever JSON it answers with.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callreview-go/internal/logger"
	"callreview-go/internal/types"
	"callreview-go/internal/vtt"
)

// PreviewLength is how much transcript text is kept in analysis_results.json.
const PreviewLength = 200

// Scorer grades one transcript. Implementations never retry.
type Scorer interface {
	Score(ctx context.Context, tr types.Transcript) (types.AnalysisResult, error)
}

// OllamaClient talks to an Ollama server over its HTTP API.
type OllamaClient struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Client  *http.Client
	log     *logger.Logger
}

func NewOllamaClient(baseURL, model string, timeout time.Duration, log *logger.Logger) *OllamaClient {
	if log == nil {
		log = logger.Discard()
	}
	return &OllamaClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Timeout: timeout,
		Client:  &http.Client{},
		log:     log.Component("scoring"),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Score sends the rubric prompt to /api/generate and parses the answer.
func (c *OllamaClient) Score(ctx context.Context, tr types.Transcript) (types.AnalysisResult, error) {
	text := vtt.PlainText(tr)
	if strings.TrimSpace(text) == "" {
		return types.AnalysisResult{}, &Error{Kind: MalformedResponse, Detail: "transcript has no text"}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(generateRequest{
		Model:  c.Model,
		Prompt: BuildPrompt(text),
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature": 0.1,
			"top_p":       0.9,
		},
	})
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return types.AnalysisResult{}, &Error{Kind: ServiceUnreachable, Detail: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	log := c.log.WithField("call_id", tr.CallID).WithField("model", c.Model)
	log.Debug("requesting score")

	resp, err := c.client().Do(req)
	if err != nil {
		return types.AnalysisResult{}, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.AnalysisResult{}, classifyTransport(ctx, err)
	}
	log.WithField("http_status", resp.StatusCode).Debug("scoring raw:\n" + string(body))

	switch {
	case resp.StatusCode >= 500:
		return types.AnalysisResult{}, &Error{Kind: ServiceUnreachable, Detail: fmt.Sprintf("status %d", resp.StatusCode), Raw: string(body)}
	case resp.StatusCode != http.StatusOK:
		return types.AnalysisResult{}, &Error{Kind: MalformedResponse, Detail: fmt.Sprintf("status %d", resp.StatusCode), Raw: string(body)}
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return types.AnalysisResult{}, &Error{Kind: MalformedResponse, Detail: "response envelope is not JSON", Raw: string(body)}
	}
	if gen.Error != "" {
		return types.AnalysisResult{}, &Error{Kind: MalformedResponse, Detail: gen.Error, Raw: string(body)}
	}

	result, err := ParseAnalysis(gen.Response)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	log.WithField("score", result.Score).Info("call scored")
	return result, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// WaitReady polls /api/tags until the server answers and lists the model.
func (c *OllamaClient) WaitReady(ctx context.Context, maxWait time.Duration) error {
	log := c.log.WithField("model", c.Model)
	var lastErr error

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/api/tags", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client().Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("tags status %d", resp.StatusCode)
			return lastErr
		}
		var tags tagsResponse
		if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
			lastErr = fmt.Errorf("decode tags: %w", err)
			return lastErr
		}
		var names []string
		for _, m := range tags.Models {
			if sameModel(m.Name, c.Model) {
				return nil
			}
			names = append(names, m.Name)
		}
		lastErr = fmt.Errorf("model %s not loaded, available: %v", c.Model, names)
		return lastErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = maxWait

	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next.String()).Debug("scoring service not ready")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &Error{Kind: ServiceUnreachable, Detail: "not ready", Err: lastErr}
	}
	log.Info("scoring service ready")
	return nil
}

func (c *OllamaClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// sameModel treats "name" and "name:latest" as the same model.
func sameModel(have, want string) bool {
	if have == want {
		return true
	}
	return strings.TrimSuffix(have, ":latest") == strings.TrimSuffix(want, ":latest")
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: ServiceUnreachable, Err: err}
}

// Preview returns the leading transcript text stored next to the score.
func Preview(tr types.Transcript) string {
	text := vtt.PlainText(tr)
	r := []rune(text)
	if len(r) <= PreviewLength {
		return text
	}
	return string(r[:PreviewLength]) + "..."
}
