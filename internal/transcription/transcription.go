package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type PublishResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		MediaId          string `json:"MediaId"`
		Status           string `json:"Status"`
		TranscriptionURL string `json:"TranscriptionURL"`
	} `json:"Data"`
	Reason string `json:"Reason,omitempty"`
}

type StatusResponse struct {
	Code   int    `json:"Code"`
	Status string `json:"Status"`
	Data   struct {
		Status           string `json:"Status"` // Success, Queued, Processing, Failed
		TranscriptionURL string `json:"TranscriptionURL"`
	} `json:"Data"`
	Reason string `json:"Reason,omitempty"`
}

// errStillRunning keeps the status poll going.
var errStillRunning = errors.New("transcription still running")

// HTTPEngine uploads audio to a remote transcription service, polls
// /getstatus until the media is done and downloads the segment JSON.
type HTTPEngine struct {
	Host         string
	Token        string
	Client       *http.Client
	PollInterval time.Duration
}

func (e *HTTPEngine) Transcribe(ctx context.Context, audioPath string) (RawTranscript, error) {
	if e.Host == "" {
		return RawTranscript{}, errors.New("transcription host not set")
	}
	mediaID, existingURL, err := e.publish(ctx, audioPath)
	if err != nil {
		return RawTranscript{}, err
	}
	if existingURL != "" {
		return e.download(ctx, existingURL)
	}
	finalURL, err := e.poll(ctx, mediaID)
	if err != nil {
		return RawTranscript{}, err
	}
	return e.download(ctx, finalURL)
}

func (e *HTTPEngine) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (e *HTTPEngine) publish(ctx context.Context, audioPath string) (string, string, error) {
	endpoint := strings.TrimRight(e.Host, "/") + "/transcribe"

	f, err := os.Open(audioPath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", "", err
	}
	_ = w.WriteField("diarize", "true")
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &b)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	e.authorize(req)

	var resp PublishResponse
	if err := e.doJSON(req, &resp); err != nil {
		return "", "", err
	}
	if resp.Code != http.StatusOK {
		return "", "", fmt.Errorf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason)
	}
	if resp.Data.TranscriptionURL != "" && strings.EqualFold(resp.Data.Status, "success") {
		return "", resp.Data.TranscriptionURL, nil
	}
	return resp.Data.MediaId, "", nil
}

func (e *HTTPEngine) poll(ctx context.Context, mediaID string) (string, error) {
	base := strings.TrimRight(e.Host, "/") + "/getstatus"
	interval := e.PollInterval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}

	var finalURL string
	op := func() error {
		u, _ := url.Parse(base)
		q := u.Query()
		q.Set("mediaId", mediaID)
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		e.authorize(req)

		var s StatusResponse
		if err := e.doJSON(req, &s); err != nil {
			return err
		}
		switch s.Data.Status {
		case "Success":
			finalURL = s.Data.TranscriptionURL
			return nil
		case "Failed":
			return backoff.Permanent(fmt.Errorf("transcription failed: %s", s.Reason))
		default:
			return errStillRunning
		}
	}

	// the caller's context carries the deadline
	bo := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return finalURL, nil
}

func (e *HTTPEngine) download(ctx context.Context, rawURL string) (RawTranscript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return RawTranscript{}, err
	}
	e.authorize(req)
	var raw RawTranscript
	if err := e.doJSON(req, &raw); err != nil {
		return RawTranscript{}, err
	}
	return raw, nil
}

func (e *HTTPEngine) authorize(req *http.Request) {
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
}

func (e *HTTPEngine) doJSON(req *http.Request, target interface{}) error {
	resp, err := e.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %s", string(body))
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, string(body)))
	}
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	if err := json.Unmarshal(body, target); err != nil {
		return backoff.Permanent(fmt.Errorf("json decode error: %v body=%s", err, string(body)))
	}
	return nil
}
