package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// maxContentSize caps raw file downloads at 5 MB.
const maxContentSize = 5 * 1024 * 1024

// GitHub implements Client against the GitHub REST and GraphQL APIs,
// authenticating as a GitHub App.
type GitHub struct {
	appClient  *gh.Client
	baseURL    string // override for testing
	graphqlURL string // override for testing
	cloneHost  string // override for testing
}

// NewGitHub builds a client from a GitHub App id and its private key
// file. The key signs the App JWT; every repo-scoped operation then
// exchanges the JWT for an installation token.
func NewGitHub(appID int64, privateKeyPath string) (*GitHub, error) {
	atr, err := ghinstallation.NewAppsTransportKeyFromFile(http.DefaultTransport, appID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading GitHub App private key: %w", err)
	}
	return &GitHub{
		appClient: gh.NewClient(github_ratelimit.NewClient(atr)),
	}, nil
}

// InstallationToken mints a fresh installation token for the repo.
func (g *GitHub) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	inst, _, err := g.appClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return "", apiError("finding app installation", err)
	}
	token, _, err := g.appClient.Apps.CreateInstallationToken(ctx, inst.GetID(), nil)
	if err != nil {
		return "", apiError("creating installation token", err)
	}
	return token.GetToken(), nil
}

// ListPRFiles returns every changed file in the pull request.
func (g *GitHub) ListPRFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error) {
	client, err := g.restClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	var files []PRFile
	opts := &gh.ListOptions{PerPage: 100}
	for {
		page, resp, err := client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, apiError("listing pull request files", err)
		}
		for _, f := range page {
			files = append(files, PRFile{
				Filename:    f.GetFilename(),
				Status:      f.GetStatus(),
				Patch:       f.GetPatch(),
				ContentsURL: f.GetContentsURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

// FileContent downloads the raw file body behind a contents URL. The
// raw media type avoids the base64 envelope of the contents API.
func (g *GitHub) FileContent(ctx context.Context, contentsURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentsURL, nil)
	if err != nil {
		return "", fmt.Errorf("building contents request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching file content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "fetching file content", StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentSize))
	if err != nil {
		return "", fmt.Errorf("reading file content: %w", err)
	}
	return string(body), nil
}

// CreateComment posts a new issue comment on the pull request.
func (g *GitHub) CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	client, err := g.restClient(ctx, owner, repo)
	if err != nil {
		return 0, err
	}
	return createComment(ctx, client, owner, repo, number, body)
}

// EditComment replaces the body of an existing issue comment.
func (g *GitHub) EditComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	client, err := g.restClient(ctx, owner, repo)
	if err != nil {
		return err
	}
	return editComment(ctx, client, owner, repo, commentID, body)
}

// UpsertMarkedComment updates the run's comment in place. The known id
// is tried first; a deleted comment falls back to scanning for the
// marker, and no match at all creates a fresh comment.
func (g *GitHub) UpsertMarkedComment(ctx context.Context, owner, repo string, number int, body, marker string, knownID int64) (int64, error) {
	client, err := g.restClient(ctx, owner, repo)
	if err != nil {
		return 0, err
	}

	if knownID > 0 {
		err := editComment(ctx, client, owner, repo, knownID, body)
		if err == nil {
			return knownID, nil
		}
		var perr *Error
		if !errors.As(err, &perr) || !perr.NotFound() {
			return 0, err
		}
		// Comment was deleted; fall through to the marker scan.
	}

	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return 0, apiError("listing issue comments", err)
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), marker) {
				if err := editComment(ctx, client, owner, repo, c.GetID(), body); err != nil {
					return 0, err
				}
				return c.GetID(), nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return createComment(ctx, client, owner, repo, number, body)
}

// PullRequest fetches PR metadata over GraphQL.
func (g *GitHub) PullRequest(ctx context.Context, owner, repo string, number int) (*PRSummary, error) {
	token, err := g.InstallationToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	var gql *githubv4.Client
	if g.graphqlURL != "" {
		gql = githubv4.NewEnterpriseClient(g.graphqlURL, httpClient)
	} else {
		gql = githubv4.NewClient(httpClient)
	}

	var query struct {
		Repository struct {
			PullRequest struct {
				Number      githubv4.Int
				Title       githubv4.String
				Body        githubv4.String
				URL         githubv4.String
				HeadRefName githubv4.String
				HeadRefOid  githubv4.String
				Author      struct {
					Login githubv4.String
				}
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := gql.Query(ctx, &query, vars); err != nil {
		return nil, &Error{Op: "querying pull request", Err: err}
	}

	pr := query.Repository.PullRequest
	return &PRSummary{
		Number:  int(pr.Number),
		Title:   string(pr.Title),
		Body:    string(pr.Body),
		HeadRef: string(pr.HeadRefName),
		HeadSHA: string(pr.HeadRefOid),
		Author:  string(pr.Author.Login),
		URL:     string(pr.URL),
	}, nil
}

// ResolveCloneURL embeds the installation token into an HTTPS clone URL.
func (g *GitHub) ResolveCloneURL(owner, repo, token string) string {
	host := g.cloneHost
	if host == "" {
		host = "github.com"
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", token, host, owner, repo)
}

// restClient exchanges the App JWT for an installation token and wraps
// it in a REST client with rate-limit middleware.
func (g *GitHub) restClient(ctx context.Context, owner, repo string) (*gh.Client, error) {
	token, err := g.InstallationToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	client := gh.NewClient(github_ratelimit.NewClient(nil)).WithAuthToken(token)
	if g.baseURL != "" {
		client, err = client.WithEnterpriseURLs(g.baseURL, g.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring API base URL: %w", err)
		}
	}
	return client, nil
}

func createComment(ctx context.Context, client *gh.Client, owner, repo string, number int, body string) (int64, error) {
	created, _, err := client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return 0, apiError("creating comment", err)
	}
	return created.GetID(), nil
}

func editComment(ctx context.Context, client *gh.Client, owner, repo string, commentID int64, body string) error {
	_, _, err := client.Issues.EditComment(ctx, owner, repo, commentID, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return apiError("editing comment", err)
	}
	return nil
}

// apiError lifts the HTTP status out of go-github errors so callers
// can branch on it.
func apiError(op string, err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return &Error{Op: op, StatusCode: ghErr.Response.StatusCode, Message: ghErr.Message, Err: err}
	}
	return &Error{Op: op, Err: err}
}

// Verify GitHub implements Client at compile time.
var _ Client = (*GitHub)(nil)
