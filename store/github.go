package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/perigee-data/harvest/ops"
)

// GitHub is a Store backed by a repository branch on the hosting platform.
// Each Put issues one commit; PutBatch creates a single tree referencing all
// blobs and advances the branch ref in one update, so the batch is atomic to
// any observer of the branch.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	branch string

	// Retry knobs, overridable in tests.
	maxAttempts int
	backoffBase time.Duration
}

var _ Store = (*GitHub)(nil)

// NewGitHub dials a GitHub-backed store for "owner/repo" using the given
// bearer token, targeting the named branch.
func NewGitHub(ctx context.Context, repository, branch, token string) (*GitHub, error) {
	var parts = strings.SplitN(repository, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("repository %q is not owner/repo", repository)
	}
	var httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = 30 * time.Second

	return &GitHub{
		client:      github.NewClient(httpClient),
		owner:       parts[0],
		repo:        parts[1],
		branch:      branch,
		maxAttempts: 3,
		backoffBase: time.Second,
	}, nil
}

func (s *GitHub) Get(ctx context.Context, path string) ([]byte, error) {
	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, path,
		&github.RepositoryContentGetOptions{Ref: s.branch})
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("fetching contents of %s: %w", path, err)
	} else if file == nil {
		return nil, fmt.Errorf("path %s is a directory, not a file", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding contents of %s: %w", path, err)
	}
	return []byte(content), nil
}

func (s *GitHub) Put(ctx context.Context, path string, data []byte, message string) error {
	return s.PutBatch(ctx, []File{{Path: path, Data: data}}, message)
}

func (s *GitHub) PutBatch(ctx context.Context, files []File, message string) error {
	if len(files) == 0 {
		return nil
	}
	var entries = make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		blob, err := s.createBlob(ctx, f.Data)
		if err != nil {
			return fmt.Errorf("creating blob for %s: %w", f.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob,
		})
	}
	if err := s.commitTree(ctx, entries, message); err != nil {
		return err
	}
	ops.CommitsTotal.WithLabelValues("github").Inc()
	return nil
}

func (s *GitHub) Delete(ctx context.Context, path string, message string) error {
	// A tree entry with a null SHA removes the path from the tree.
	var entries = []*github.TreeEntry{{
		Path: github.String(path),
		Mode: github.String("100644"),
		Type: github.String("blob"),
	}}
	return s.commitTree(ctx, entries, message)
}

// EnsureBranch creates the working branch at the tip of base if it does not
// already exist.
func (s *GitHub) EnsureBranch(ctx context.Context, base string) error {
	if _, _, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+s.branch); err == nil {
		return nil
	}
	baseRef, _, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+base)
	if err != nil {
		return fmt.Errorf("resolving base branch %s: %w", base, err)
	}
	_, _, err = s.client.Git.CreateRef(ctx, s.owner, s.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + s.branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("creating working branch %s: %w", s.branch, err)
	}
	log.WithFields(log.Fields{"branch": s.branch, "base": base}).Info("created working branch")
	return nil
}

// OpenPullRequest surfaces the working branch's accumulated changes as one
// pull request against base. Returns the PR URL.
func (s *GitHub) OpenPullRequest(ctx context.Context, base, title, body string) (string, error) {
	pr, _, err := s.client.PullRequests.Create(ctx, s.owner, s.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(s.branch),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("opening pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

func (s *GitHub) createBlob(ctx context.Context, data []byte) (*string, error) {
	var blob *github.Blob
	var err = s.withRetry(ctx, "create blob", func() error {
		var e error
		blob, _, e = s.client.Git.CreateBlob(ctx, s.owner, s.repo, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(data)),
			Encoding: github.String("base64"),
		})
		return e
	})
	if err != nil {
		return nil, err
	}
	return blob.SHA, nil
}

// commitTree builds a commit from entries on the current branch tip and
// advances the ref. On a non-fast-forward rejection the commit is re-parented
// on the new tip and retried, up to three times.
func (s *GitHub) commitTree(ctx context.Context, entries []*github.TreeEntry, message string) error {
	for attempt := 1; ; attempt++ {
		ref, _, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+s.branch)
		if err != nil {
			return fmt.Errorf("resolving branch %s: %w", s.branch, err)
		}
		var parent = ref.Object.GetSHA()

		tree, _, err := s.client.Git.CreateTree(ctx, s.owner, s.repo, parent, entries)
		if err != nil {
			return fmt.Errorf("creating tree: %w", err)
		}
		commit, _, err := s.client.Git.CreateCommit(ctx, s.owner, s.repo, &github.Commit{
			Message: github.String(message),
			Tree:    tree,
			Parents: []*github.Commit{{SHA: github.String(parent)}},
		}, nil)
		if err != nil {
			return fmt.Errorf("creating commit: %w", err)
		}

		_, resp, err := s.client.Git.UpdateRef(ctx, s.owner, s.repo, &github.Reference{
			Ref:    github.String("refs/heads/" + s.branch),
			Object: &github.GitObject{SHA: commit.SHA},
		}, false)
		if err == nil {
			return nil
		}
		if !isFastForwardConflict(resp) {
			return fmt.Errorf("updating ref %s: %w", s.branch, err)
		}
		if attempt >= s.maxAttempts {
			return fmt.Errorf("updating ref %s after %d attempts: %w", s.branch, attempt, ErrConflict)
		}
		ops.CommitRetriesTotal.Inc()
		log.WithFields(log.Fields{
			"branch":  s.branch,
			"attempt": attempt,
		}).Warn("non-fast-forward ref update; re-parenting commit")
	}
}

// withRetry retries op on transient (network / 5xx) failures with exponential
// backoff. Client errors other than 409 are surfaced immediately.
func (s *GitHub) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}
		var wait = s.backoffBase * (1 << (attempt - 1))
		log.WithFields(log.Fields{
			"what":    what,
			"attempt": attempt,
			"wait":    wait,
			"error":   err,
		}).Warn("transient store error; backing off")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isFastForwardConflict(resp *github.Response) bool {
	// GitHub reports a non-fast-forward ref update as 409 or 422.
	return resp != nil &&
		(resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity)
}

func isTransient(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		var code = ghErr.Response.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}
	// Anything that isn't a structured API error is assumed to be a
	// network-level failure.
	return true
}
