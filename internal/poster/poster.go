package poster

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentq/agentq/internal/task"
)

const (
	defaultGitHubBaseURL = "https://api.github.com"
	defaultSlackBaseURL  = "https://slack.com"
	defaultSentryBaseURL = "https://sentry.io"

	requestTimeout = 30 * time.Second
)

// Config carries the delivery credentials for each supported origin.
// Base URLs default to the public endpoints when empty.
type Config struct {
	GitHubToken   string
	GitHubBaseURL string

	JiraBaseURL  string
	JiraEmail    string
	JiraAPIToken string

	SlackBotToken string
	SlackBaseURL  string

	SentryAuthToken string
	SentryBaseURL   string
}

// Poster delivers a finished task's sanitized result back to the system the
// task originated from.
type Poster interface {
	Post(ctx context.Context, t *task.Task) error
}

// HTTPPoster posts results over plain HTTP. Each call makes exactly one
// delivery attempt; retry policy belongs to the caller, and the caller must
// never let a delivery failure alter the task's terminal status.
type HTTPPoster struct {
	client *http.Client
	cfg    Config
}

func NewHTTPPoster(cfg Config) *HTTPPoster {
	if cfg.GitHubBaseURL == "" {
		cfg.GitHubBaseURL = defaultGitHubBaseURL
	}
	if cfg.SlackBaseURL == "" {
		cfg.SlackBaseURL = defaultSlackBaseURL
	}
	if cfg.SentryBaseURL == "" {
		cfg.SentryBaseURL = defaultSentryBaseURL
	}
	return &HTTPPoster{
		client: &http.Client{Timeout: requestTimeout},
		cfg:    cfg,
	}
}

// Post routes the task's result by provenance kind. Tasks without provenance
// are standalone and are skipped without error.
func (p *HTTPPoster) Post(ctx context.Context, t *task.Task) error {
	if t.Result == nil {
		return nil
	}

	kind := t.Provenance.Kind
	body := formatResult(t)

	var err error
	switch kind {
	case task.ProvenanceNone:
		return nil
	case task.ProvenanceGitHub:
		err = p.postGitHub(ctx, t.Provenance.Metadata, body)
	case task.ProvenanceJira:
		err = p.postJira(ctx, t.Provenance.Metadata, body)
	case task.ProvenanceSlack:
		err = p.postSlack(ctx, t.Provenance.Metadata, body)
	case task.ProvenanceSentry:
		err = p.postSentry(ctx, t.Provenance.Metadata, body)
	default:
		slog.WarnContext(ctx, "unknown provenance kind, skipping result delivery",
			"task_id", t.ID, "kind", kind)
		return nil
	}
	if err != nil {
		return task.NewDeliveryFailureError(kind, err)
	}
	slog.InfoContext(ctx, "posted task result", "task_id", t.ID, "kind", kind)
	return nil
}

// formatResult renders the message body delivered to the origin system. Only
// sanitized output ever leaves the process.
func formatResult(t *task.Task) string {
	r := t.Result
	if r.Success {
		return r.SanitizedOutput
	}
	msg := r.ErrorMessage
	if msg == "" {
		msg = "task failed without an error message"
	}
	if r.SanitizedOutput == "" {
		return fmt.Sprintf("Task %s failed: %s", t.ID, msg)
	}
	return fmt.Sprintf("Task %s failed: %s\n\n%s", t.ID, msg, r.SanitizedOutput)
}

func (p *HTTPPoster) postGitHub(ctx context.Context, meta map[string]string, body string) error {
	if p.cfg.GitHubToken == "" {
		return fmt.Errorf("github token not configured")
	}
	owner, repo := meta["owner"], meta["repo"]
	if owner == "" || repo == "" {
		return fmt.Errorf("github routing metadata missing owner or repo")
	}
	// Pull request comments go through the issues API as well.
	number := meta["pr_number"]
	if number == "" {
		number = meta["issue_number"]
	}
	if number == "" {
		return fmt.Errorf("github routing metadata missing pr_number or issue_number")
	}

	url := fmt.Sprintf("%s/repos/%s/%s/issues/%s/comments", p.cfg.GitHubBaseURL, owner, repo, number)
	headers := map[string]string{
		"Authorization": "Bearer " + p.cfg.GitHubToken,
		"Accept":        "application/vnd.github+json",
	}
	return p.postJSON(ctx, url, headers, map[string]any{"body": body}, nil)
}

func (p *HTTPPoster) postJira(ctx context.Context, meta map[string]string, body string) error {
	if p.cfg.JiraBaseURL == "" || p.cfg.JiraEmail == "" || p.cfg.JiraAPIToken == "" {
		return fmt.Errorf("jira credentials not configured")
	}
	key := meta["ticket_key"]
	if key == "" {
		return fmt.Errorf("jira routing metadata missing ticket_key")
	}

	auth := base64.StdEncoding.EncodeToString([]byte(p.cfg.JiraEmail + ":" + p.cfg.JiraAPIToken))
	url := fmt.Sprintf("%s/rest/api/3/issue/%s/comment", p.cfg.JiraBaseURL, key)
	headers := map[string]string{"Authorization": "Basic " + auth}

	// Jira Cloud comments take Atlassian Document Format, not plain text.
	payload := map[string]any{
		"body": map[string]any{
			"type":    "doc",
			"version": 1,
			"content": []any{
				map[string]any{
					"type":    "paragraph",
					"content": []any{map[string]any{"type": "text", "text": body}},
				},
			},
		},
	}
	return p.postJSON(ctx, url, headers, payload, nil)
}

func (p *HTTPPoster) postSlack(ctx context.Context, meta map[string]string, body string) error {
	if p.cfg.SlackBotToken == "" {
		return fmt.Errorf("slack bot token not configured")
	}
	channel := meta["channel_id"]
	if channel == "" {
		return fmt.Errorf("slack routing metadata missing channel_id")
	}

	payload := map[string]any{
		"channel": channel,
		"text":    body,
	}
	if ts := meta["thread_ts"]; ts != "" {
		payload["thread_ts"] = ts
	}

	url := p.cfg.SlackBaseURL + "/api/chat.postMessage"
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.SlackBotToken}

	// Slack reports API errors with HTTP 200 and ok=false.
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := p.postJSON(ctx, url, headers, payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("slack api error: %s", resp.Error)
	}
	return nil
}

func (p *HTTPPoster) postSentry(ctx context.Context, meta map[string]string, body string) error {
	if p.cfg.SentryAuthToken == "" {
		return fmt.Errorf("sentry auth token not configured")
	}
	issueID := meta["issue_id"]
	if issueID == "" {
		return fmt.Errorf("sentry routing metadata missing issue_id")
	}

	url := fmt.Sprintf("%s/api/0/issues/%s/comments/", p.cfg.SentryBaseURL, issueID)
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.SentryAuthToken}
	return p.postJSON(ctx, url, headers, map[string]any{"text": body}, nil)
}

func (p *HTTPPoster) postJSON(ctx context.Context, url string, headers map[string]string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
