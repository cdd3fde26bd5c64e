// Package github lists the repositories a session can be bound to,
// authenticated with the operator's stored personal access token.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// Repo is one repository visible to the authenticated user.
type Repo struct {
	FullName      string    `json:"fullName"`
	CloneURL      string    `json:"cloneUrl"`
	DefaultBranch string    `json:"defaultBranch"`
	Private       bool      `json:"private"`
	Description   string    `json:"description,omitempty"`
	PushedAt      time.Time `json:"pushedAt"`
}

// Client talks to the GitHub REST API with a personal access token.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIBase points the client at a different API root; tests use it
// to target a local server.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = base }
}

// NewClient creates a token-authenticated GitHub client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		apiBase: defaultAPIBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthenticatedUser returns the login of the token's owner.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := c.get(ctx, "/user", &user); err != nil {
		return "", err
	}
	return user.Login, nil
}

// ListRepos returns the user's repositories, most recently pushed
// first. query filters by substring match on the full name; limit
// bounds the result (0 means the API default page).
func (c *Client) ListRepos(ctx context.Context, query string, limit int) ([]Repo, error) {
	perPage := 100
	if limit > 0 && limit < perPage {
		perPage = limit
	}

	endpoint := "/user/repos?sort=pushed&per_page=" + strconv.Itoa(perPage)
	if query != "" {
		// Server-side search scoped to the user keeps paging bounded.
		q := url.QueryEscape(query + " in:name user:@me fork:true")
		endpoint = "/search/repositories?q=" + q + "&per_page=" + strconv.Itoa(perPage)
		var result struct {
			Items []rawRepo `json:"items"`
		}
		if err := c.get(ctx, endpoint, &result); err != nil {
			return nil, fmt.Errorf("search repositories: %w", err)
		}
		return convertRepos(result.Items, limit), nil
	}

	var raw []rawRepo
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return convertRepos(raw, limit), nil
}

type rawRepo struct {
	FullName      string    `json:"full_name"`
	CloneURL      string    `json:"clone_url"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Description   string    `json:"description"`
	PushedAt      time.Time `json:"pushed_at"`
}

func convertRepos(raw []rawRepo, limit int) []Repo {
	repos := make([]Repo, 0, len(raw))
	for _, r := range raw {
		if limit > 0 && len(repos) == limit {
			break
		}
		repos = append(repos, Repo{
			FullName:      r.FullName,
			CloneURL:      r.CloneURL,
			DefaultBranch: r.DefaultBranch,
			Private:       r.Private,
			Description:   r.Description,
			PushedAt:      r.PushedAt,
		})
	}
	return repos
}

// apiError carries the GitHub status so the handler can distinguish a
// bad token from an outage.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github api: %d %s", e.StatusCode, e.Message)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var ghErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &ghErr)
		return &apiError{StatusCode: resp.StatusCode, Message: ghErr.Message}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
