package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/agentoven/scriptrun/pkg/models"
)

// classifyRequest is the payload sent to external classifiers.
type classifyRequest struct {
	Source models.ContentSource `json:"source"`
	Text   string               `json:"text"`
}

// ── Command classifier ──────────────────────────────────────

// CommandClassifier runs an external program per evaluation. The program
// reads a classifyRequest on stdin and writes a SafetyVerdict
// ({"attackDetected": bool, "reason": "..."}) on stdout.
type CommandClassifier struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCommandClassifier parses a command line ("prog arg1 arg2").
func NewCommandClassifier(commandLine string, timeout time.Duration) (*CommandClassifier, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty classifier command")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CommandClassifier{command: fields[0], args: fields[1:], timeout: timeout}, nil
}

func (c *CommandClassifier) Name() string { return "command" }

func (c *CommandClassifier) Classify(ctx context.Context, source models.ContentSource, text string) (models.SafetyVerdict, error) {
	in, err := json.Marshal(classifyRequest{Source: source, Text: text})
	if err != nil {
		return models.SafetyVerdict{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewReader(in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return models.SafetyVerdict{}, fmt.Errorf("%s: %w: %s", c.command, err, strings.TrimSpace(stderr.String()))
	}
	return decodeVerdict(out)
}

// ── HTTP classifier ─────────────────────────────────────────

// HTTPClassifier POSTs a classifyRequest to a URL and expects a
// SafetyVerdict back.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier creates an HTTP classifier.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClassifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPClassifier) Name() string { return "http" }

func (h *HTTPClassifier) Classify(ctx context.Context, source models.ContentSource, text string) (models.SafetyVerdict, error) {
	body, err := json.Marshal(classifyRequest{Source: source, Text: text})
	if err != nil {
		return models.SafetyVerdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return models.SafetyVerdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.SafetyVerdict{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.SafetyVerdict{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.SafetyVerdict{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	return decodeVerdict(raw)
}

func decodeVerdict(raw []byte) (models.SafetyVerdict, error) {
	var v models.SafetyVerdict
	if err := json.Unmarshal(bytes.TrimSpace(raw), &v); err != nil {
		return models.SafetyVerdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}
