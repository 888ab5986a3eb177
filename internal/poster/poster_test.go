package poster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/task"
)

func doneTask(kind task.ProvenanceKind, meta map[string]string) *task.Task {
	t := task.New("finished work")
	t.Provenance = task.Provenance{Kind: kind, Metadata: meta}
	t.Status = task.StatusCompleted
	t.Result = &task.ExecutionResult{Success: true, SanitizedOutput: "analysis complete"}
	return t
}

func TestHTTPPoster_GitHubIssueComment(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{GitHubToken: "ghp_test", GitHubBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceGitHub, map[string]string{
		"owner": "acme", "repo": "widgets", "issue_number": "42",
	}))

	require.NoError(t, err)
	assert.Equal(t, "/repos/acme/widgets/issues/42/comments", gotPath)
	assert.Equal(t, "Bearer ghp_test", gotAuth)
	assert.Equal(t, "analysis complete", gotBody["body"])
}

func TestHTTPPoster_GitHubPRNumberPreferred(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{GitHubToken: "ghp_test", GitHubBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceGitHub, map[string]string{
		"owner": "acme", "repo": "widgets", "pr_number": "7", "issue_number": "42",
	}))

	require.NoError(t, err)
	assert.Equal(t, "/repos/acme/widgets/issues/7/comments", gotPath)
}

func TestHTTPPoster_JiraADFComment(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{
		JiraBaseURL:  srv.URL,
		JiraEmail:    "bot@example.com",
		JiraAPIToken: "jira_tok",
	})
	err := p.Post(context.Background(), doneTask(task.ProvenanceJira, map[string]string{"ticket_key": "PROJ-123"}))

	require.NoError(t, err)
	assert.Equal(t, "/rest/api/3/issue/PROJ-123/comment", gotPath)

	body, ok := gotBody["body"].(map[string]any)
	require.True(t, ok, "jira comment body must be an ADF document")
	assert.Equal(t, "doc", body["type"])
}

func TestHTTPPoster_SlackThreadReply(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat.postMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{SlackBotToken: "xoxb-test", SlackBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceSlack, map[string]string{
		"channel_id": "C123", "thread_ts": "1724500000.000100",
	}))

	require.NoError(t, err)
	assert.Equal(t, "C123", gotBody["channel"])
	assert.Equal(t, "1724500000.000100", gotBody["thread_ts"])
	assert.Equal(t, "analysis complete", gotBody["text"])
}

func TestHTTPPoster_SlackOKFalseIsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{SlackBotToken: "xoxb-test", SlackBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceSlack, map[string]string{"channel_id": "C404"}))

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrDeliveryFailure)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestHTTPPoster_SentryIssueNote(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{SentryAuthToken: "sntrys_test", SentryBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceSentry, map[string]string{"issue_id": "998877"}))

	require.NoError(t, err)
	assert.Equal(t, "/api/0/issues/998877/comments/", gotPath)
	assert.Equal(t, "analysis complete", gotBody["text"])
}

func TestHTTPPoster_NoProvenanceIsSkipped(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{
		GitHubToken: "t", GitHubBaseURL: srv.URL,
		SlackBotToken: "t", SlackBaseURL: srv.URL,
	})
	err := p.Post(context.Background(), doneTask(task.ProvenanceNone, nil))

	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func TestHTTPPoster_NilResultIsSkipped(t *testing.T) {
	p := NewHTTPPoster(Config{})
	tk := task.New("unfinished")
	tk.Provenance = task.Provenance{Kind: task.ProvenanceGitHub}
	assert.NoError(t, p.Post(context.Background(), tk))
}

func TestHTTPPoster_HTTPErrorIsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPPoster(Config{GitHubToken: "expired", GitHubBaseURL: srv.URL})
	err := p.Post(context.Background(), doneTask(task.ProvenanceGitHub, map[string]string{
		"owner": "acme", "repo": "widgets", "issue_number": "1",
	}))

	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrDeliveryFailure)
}

func TestHTTPPoster_MissingRoutingMetadata(t *testing.T) {
	p := NewHTTPPoster(Config{GitHubToken: "t", JiraBaseURL: "http://x", JiraEmail: "e", JiraAPIToken: "t", SlackBotToken: "t"})

	tests := []struct {
		name string
		kind task.ProvenanceKind
		meta map[string]string
	}{
		{"github without repo", task.ProvenanceGitHub, map[string]string{"owner": "acme", "issue_number": "1"}},
		{"github without number", task.ProvenanceGitHub, map[string]string{"owner": "acme", "repo": "widgets"}},
		{"jira without ticket", task.ProvenanceJira, map[string]string{}},
		{"slack without channel", task.ProvenanceSlack, map[string]string{"thread_ts": "1.2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Post(context.Background(), doneTask(tt.kind, tt.meta))
			require.Error(t, err)
			assert.ErrorIs(t, err, task.ErrDeliveryFailure)
		})
	}
}

func TestFormatResult_FailureIncludesError(t *testing.T) {
	tk := task.New("broken")
	tk.Result = &task.ExecutionResult{Success: false, ErrorMessage: "exit code: 2", SanitizedOutput: "partial log"}

	got := formatResult(tk)
	assert.Contains(t, got, tk.ID)
	assert.Contains(t, got, "exit code: 2")
	assert.Contains(t, got, "partial log")
}
