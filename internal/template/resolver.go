package template

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// Reference identifies a template by kind plus its local name or repo
// coordinates+branch (spec.md §3 Template).
type Reference struct {
	Kind   domain.TemplateKind
	Name   string // local registry entry name
	URL    string // repo clone URL
	Branch string // repo branch
}

// ParseReference parses the wire form of a template-ref. Local refs look
// like "local:<name>"; repo refs look like "repo:<clone-url>#<branch>".
func ParseReference(ref string) (Reference, error) {
	switch {
	case strings.HasPrefix(ref, "local:"):
		name := strings.TrimPrefix(ref, "local:")
		if name == "" {
			return Reference{}, trinityerr.New(trinityerr.InvalidInput, "empty local template reference")
		}
		return Reference{Kind: domain.TemplateKindLocal, Name: name}, nil
	case strings.HasPrefix(ref, "repo:"):
		rest := strings.TrimPrefix(ref, "repo:")
		url, branch, found := strings.Cut(rest, "#")
		if !found {
			branch = "main"
		}
		if url == "" {
			return Reference{}, trinityerr.New(trinityerr.InvalidInput, "empty repo template reference")
		}
		return Reference{Kind: domain.TemplateKindRepo, URL: url, Branch: branch}, nil
	default:
		return Reference{}, trinityerr.New(trinityerr.InvalidInput, "template reference must start with local: or repo:")
	}
}

// Resolved is the output of Resolve: the parsed manifest, the root
// directory of the materialized file tree, and the revision it was
// cached under.
type Resolved struct {
	Manifest *domain.Manifest
	RootDir  string
	Revision string
}

// cacheKey combines reference and revision so templates are immutable
// within a resolution (spec.md §4.2).
type cacheKey struct {
	ref      string
	revision string
}

// Resolver implements Resolve(ref) per spec.md §4.2.
type Resolver struct {
	local  *localSource
	repo   *repoSource
	logger *logger.Logger

	mu    sync.Mutex
	cache map[cacheKey]*Resolved

	retryBudget time.Duration
}

// NewResolver builds a Resolver backed by a local registry directory and
// a repo cloner.
func NewResolver(registryRoot string, cloner *Cloner, log *logger.Logger) *Resolver {
	return &Resolver{
		local:       &localSource{root: registryRoot},
		repo:        &repoSource{cloner: cloner},
		logger:      log,
		cache:       make(map[cacheKey]*Resolved),
		retryBudget: 30 * time.Second,
	}
}

// Resolve returns the manifest and file tree for ref, caching by
// (ref, revision). Transient network errors on repo refs are retried
// with jittered backoff up to the resolver's retry budget.
func (r *Resolver) Resolve(ctx context.Context, rawRef string) (*Resolved, error) {
	ref, err := ParseReference(rawRef)
	if err != nil {
		return nil, err
	}

	var resolved *Resolved
	switch ref.Kind {
	case domain.TemplateKindLocal:
		resolved, err = r.resolveLocal(ctx, ref)
	case domain.TemplateKindRepo:
		resolved, err = r.resolveRepoWithRetry(ctx, ref)
	default:
		return nil, trinityerr.New(trinityerr.InvalidInput, "unknown template kind")
	}
	if err != nil {
		return nil, err
	}

	key := cacheKey{ref: rawRef, revision: resolved.Revision}
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.cache[key] = resolved
	r.mu.Unlock()

	return resolved, nil
}

func (r *Resolver) resolveLocal(ctx context.Context, ref Reference) (*Resolved, error) {
	var manifest *domain.Manifest
	var rootDir, revision string

	// Manifest parse and file-tree discovery are independent I/O reads;
	// run them concurrently and fail on the first error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		manifest, err = r.local.readManifest(gctx, ref.Name)
		return err
	})
	g.Go(func() error {
		var err error
		rootDir, revision, err = r.local.locate(gctx, ref.Name)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, fmt.Sprintf("resolve local template %q", ref.Name), err)
	}

	return &Resolved{Manifest: manifest, RootDir: rootDir, Revision: revision}, nil
}

func (r *Resolver) resolveRepoWithRetry(ctx context.Context, ref Reference) (*Resolved, error) {
	deadline := time.Now().Add(r.retryBudget)
	backoff := 200 * time.Millisecond
	var lastErr error

	for attempt := 0; ; attempt++ {
		rootDir, revision, err := r.repo.fetch(ctx, ref.URL, ref.Branch)
		if err == nil {
			manifest, merr := readManifestFile(rootDir)
			if merr != nil {
				return nil, trinityerr.Wrap(trinityerr.TemplateUnavailable, "read manifest from repo", merr)
			}
			return &Resolved{Manifest: manifest, RootDir: rootDir, Revision: revision}, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return nil, trinityerr.Wrap(trinityerr.Cancelled, "resolve repo template", ctx.Err())
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}

	return nil, trinityerr.Wrap(trinityerr.TemplateUnavailable, "resolve repo template after retry budget exhausted", lastErr)
}
