package template

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

// ClonerConfig configures where repo-ref templates are cloned to on disk.
type ClonerConfig struct {
	// BasePath is the base directory for cloned template repos. Supports
	// ~ expansion for the home directory.
	BasePath string `mapstructure:"basePath"`
}

// Cloner clones or fetches git repositories for repo-ref templates,
// adapted from the control plane's general-purpose repository cloner:
// per-repo mutexes prevent concurrent clone/fetch races on the same
// working directory.
type Cloner struct {
	config  ClonerConfig
	logger  *logger.Logger
	repoMus sync.Map
}

// NewCloner creates a Cloner rooted at cfg.BasePath (default
// ~/.trinity/templates).
func NewCloner(cfg ClonerConfig, log *logger.Logger) *Cloner {
	if cfg.BasePath == "" {
		cfg.BasePath = "~/.trinity/templates"
	}
	return &Cloner{config: cfg, logger: log}
}

func (c *Cloner) repoMu(path string) *sync.Mutex {
	mu, _ := c.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Cloner) expandedBasePath() (string, error) {
	path := c.config.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

func (c *Cloner) repoPath(cloneURL string) (string, error) {
	base, err := c.expandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, sanitizeURL(cloneURL)), nil
}

func sanitizeURL(url string) string {
	r := strings.NewReplacer("://", "_", "/", "_", ":", "_", "@", "_")
	return r.Replace(url)
}

// repoSource fetches a template's file tree from a git repository.
type repoSource struct {
	cloner *Cloner
}

// fetch ensures the repo is cloned and checked out at branch, returning
// the local path and the current commit SHA as the cache revision.
func (s *repoSource) fetch(ctx context.Context, cloneURL, branch string) (rootDir, revision string, err error) {
	targetPath, err := s.cloner.repoPath(cloneURL)
	if err != nil {
		return "", "", err
	}

	mu := s.cloner.repoMu(targetPath)
	mu.Lock()
	defer mu.Unlock()

	gitDir := filepath.Join(targetPath, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		if err := s.cloner.fetchAndCheckout(ctx, targetPath, branch); err != nil {
			return "", "", err
		}
	} else {
		if err := s.cloner.clone(ctx, cloneURL, branch, targetPath); err != nil {
			return "", "", err
		}
	}

	revision, err = s.cloner.headSHA(ctx, targetPath)
	if err != nil {
		return "", "", err
	}
	return targetPath, revision, nil
}

func (c *Cloner) clone(ctx context.Context, cloneURL, branch, targetPath string) error {
	parentDir := filepath.Dir(targetPath)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	c.logger.Info("cloning template repository",
		zap.String("url", cloneURL),
		zap.String("branch", branch),
		zap.String("target", targetPath))

	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", cloneURL, targetPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", string(out), err)
	}
	return nil
}

func (c *Cloner) fetchAndCheckout(ctx context.Context, repoPath, branch string) error {
	c.logger.Debug("template repository already cloned, fetching", zap.String("path", repoPath))
	fetch := exec.CommandContext(ctx, "git", "-C", repoPath, "fetch", "origin", branch)
	if out, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("git fetch failed: %s: %w", string(out), err)
	}
	checkout := exec.CommandContext(ctx, "git", "-C", repoPath, "checkout", branch)
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout failed: %s: %w", string(out), err)
	}
	reset := exec.CommandContext(ctx, "git", "-C", repoPath, "reset", "--hard", "origin/"+branch)
	if out, err := reset.CombinedOutput(); err != nil {
		return fmt.Errorf("git reset failed: %s: %w", string(out), err)
	}
	return nil
}

func (c *Cloner) headSHA(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
