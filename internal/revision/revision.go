// Package revision resolves the short commit id of a repository branch.
package revision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudimages/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// ShortLength is the length of a short revision
	ShortLength = 7
	// Fallback stands in for the revision when the lookup fails. It keeps
	// template names well formed and is obviously synthetic.
	Fallback = "fffffff"

	defaultAPI = "https://api.github.com"
)

// Resolver looks up branch heads through the GitHub refs API.
type Resolver struct {
	api    string
	client *retryablehttp.Client
}

// NewResolver creates a resolver for the given API base URL. An empty URL
// selects api.github.com.
func NewResolver(apiURL string) *Resolver {
	if apiURL == "" {
		apiURL = defaultAPI
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = logging.Leveled("revision")

	return &Resolver{api: strings.TrimRight(apiURL, "/"), client: client}
}

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// Lookup returns the short sha of branch in repo (owner/name).
func (r *Resolver) Lookup(ctx context.Context, repo, branch string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/git/refs/heads/%s", r.api, repo, url.PathEscape(branch))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}

	var ref refResponse
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return "", fmt.Errorf("failed to decode ref: %w", err)
	}
	if len(ref.Object.SHA) < ShortLength {
		return "", fmt.Errorf("malformed sha %q", ref.Object.SHA)
	}
	return ref.Object.SHA[:ShortLength], nil
}

// Resolve is Lookup that never fails: any error is logged and Fallback is
// returned instead.
func (r *Resolver) Resolve(ctx context.Context, repo, branch string) string {
	sha, err := r.Lookup(ctx, repo, branch)
	if err != nil {
		logging.Logger().Warn("revision lookup failed, using fallback",
			zap.String("repo", repo),
			zap.String("branch", branch),
			zap.String("fallback", Fallback),
			zap.Error(err))
		return Fallback
	}
	return sha
}
