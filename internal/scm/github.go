// Package scm provides a lightweight GitHub REST client for the collaborator
// surface the pipeline needs: pull request upserts, issue comments, and
// check runs.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the source-control host collaborator contract.
type Client interface {
	UpsertPullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
	CreateCheckRun(ctx context.Context, owner, repo string, spec CheckRunSpec) error
}

// PullRequestSpec describes the pull request to create or refresh.
type PullRequestSpec struct {
	Base  string
	Head  string
	Title string
	Body  string
}

// PullRequest is the host's record of an open pull request.
type PullRequest struct {
	Number  int
	URL     string
	HeadSHA string
}

// CheckRunSpec describes a completed check run posted against a commit.
type CheckRunSpec struct {
	Name       string
	HeadSHA    string
	Conclusion string // "success", "failure", "action_required"
	Title      string
	Summary    string
}

// HTTPClient is a real GitHub v3 REST client.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client from a token. baseURL overrides the public
// API host, for GitHub Enterprise or tests; empty means api.github.com.
func NewHTTPClient(token, baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type prResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

func (r *prResponse) toPullRequest() *PullRequest {
	return &PullRequest{Number: r.Number, URL: r.HTMLURL, HeadSHA: r.Head.SHA}
}

// UpsertPullRequest creates the pull request, or refreshes title and body on
// the existing open one for the same head branch.
func (c *HTTPClient) UpsertPullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	payload := map[string]string{
		"base":  spec.Base,
		"head":  spec.Head,
		"title": spec.Title,
		"body":  spec.Body,
	}

	var created prResponse
	status, err := c.do(ctx, http.MethodPost, path, payload, &created)
	if err == nil {
		return created.toPullRequest(), nil
	}
	// 422 means a pull request already exists for this head.
	if status != http.StatusUnprocessableEntity {
		return nil, err
	}

	listPath := fmt.Sprintf("%s?state=open&head=%s", path, url.QueryEscape(owner+":"+spec.Head))
	var open []prResponse
	if _, err := c.do(ctx, http.MethodGet, listPath, nil, &open); err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("pull request for %s:%s reported as existing but not found", owner, spec.Head)
	}

	existing := open[0]
	patchPath := fmt.Sprintf("%s/%d", path, existing.Number)
	var updated prResponse
	if _, err := c.do(ctx, http.MethodPatch, patchPath, map[string]string{
		"title": spec.Title,
		"body":  spec.Body,
	}, &updated); err != nil {
		return nil, err
	}
	return updated.toPullRequest(), nil
}

// CreateIssueComment posts a comment on an issue or pull request.
func (c *HTTPClient) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	_, err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
	return err
}

// CreateCheckRun posts a completed check run against a commit.
func (c *HTTPClient) CreateCheckRun(ctx context.Context, owner, repo string, spec CheckRunSpec) error {
	path := fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo)
	payload := map[string]any{
		"name":       spec.Name,
		"head_sha":   spec.HeadSHA,
		"status":     "completed",
		"conclusion": spec.Conclusion,
		"output": map[string]string{
			"title":   spec.Title,
			"summary": spec.Summary,
		},
	}
	_, err := c.do(ctx, http.MethodPost, path, payload, nil)
	return err
}

// ParseRepoURL extracts owner and repo from an HTTPS or SSH GitHub remote.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.Index(s, "github.com"); i >= 0 {
		s = s[i+len("github.com"):]
		s = strings.TrimLeft(s, ":/")
		parts := strings.Split(s, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}
	return "", "", fmt.Errorf("cannot parse owner/repo from %q", repoURL)
}
