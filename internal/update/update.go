// Package update checks GitHub releases for newer ledgerloop builds and
// replaces the running binary.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
)

const (
	defaultOwner  = "pengelbrecht"
	defaultRepo   = "ledgerloop"
	checkInterval = 24 * time.Hour
	cacheFile     = "update-cache.json"
)

// ErrDevBuild is returned when the running binary carries no release
// version.
var ErrDevBuild = errors.New("cannot update dev builds")

// ErrManaged is returned when a package manager owns the binary.
var ErrManaged = errors.New("ledgerloop is managed by a package manager")

// Release describes the newest published release.
type Release struct {
	Version string
	Notes   string
}

// Checker looks up and applies releases.
type Checker struct {
	// Current is the running version, with or without a "v" prefix.
	Current string

	Owner string
	Repo  string

	// CacheDir holds the last check result. Empty disables caching.
	CacheDir string

	Logger *slog.Logger

	now func() time.Time

	// detect is swapped out in tests to avoid the network.
	detect func(ctx context.Context) (*Release, bool, error)
}

// NewChecker creates a Checker for the ledgerloop repository.
func NewChecker(current, cacheDir string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		Current:  current,
		Owner:    defaultOwner,
		Repo:     defaultRepo,
		CacheDir: cacheDir,
		Logger:   logger,
		now:      time.Now,
	}
	c.detect = c.detectGitHub
	return c
}

func (c *Checker) current() string {
	return strings.TrimPrefix(c.Current, "v")
}

func (c *Checker) isDev() bool {
	v := c.current()
	return v == "" || v == "dev"
}

func (c *Checker) updater() (*selfupdate.Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("create GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}
	return updater, nil
}

func (c *Checker) detectGitHub(ctx context.Context) (*Release, bool, error) {
	updater, err := c.updater()
	if err != nil {
		return nil, false, err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(c.Owner, c.Repo))
	if err != nil {
		return nil, false, fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &Release{Version: latest.Version(), Notes: latest.ReleaseNotes}, true, nil
}

// Check reports the latest release and whether it is newer than the
// running version. Dev builds never have an update.
func (c *Checker) Check(ctx context.Context) (*Release, bool, error) {
	if c.isDev() {
		return nil, false, nil
	}
	release, found, err := c.detect(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	return release, isNewerVersion(release.Version, c.current()), nil
}

// Apply replaces the running binary with the latest release.
func (c *Checker) Apply(ctx context.Context) (*Release, error) {
	if IsManaged() {
		return nil, ErrManaged
	}
	if c.isDev() {
		return nil, ErrDevBuild
	}

	updater, err := c.updater()
	if err != nil {
		return nil, err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(c.Owner, c.Repo))
	if err != nil {
		return nil, fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return nil, errors.New("no releases found")
	}
	if !latest.GreaterThan(c.current()) {
		return nil, fmt.Errorf("already at latest version (%s)", c.Current)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	c.Logger.Info("updated ledgerloop", "from", c.Current, "to", latest.Version())
	return &Release{Version: latest.Version(), Notes: latest.ReleaseNotes}, nil
}

// Notice returns a one-line upgrade hint when a newer release exists,
// checking GitHub at most once a day. Failures are logged and yield "".
func (c *Checker) Notice(ctx context.Context) string {
	if c.isDev() {
		return ""
	}

	if cached, ok := c.loadCache(); ok && c.now().Sub(cached.LastCheck) < checkInterval {
		// The user may have upgraded since the cache was written.
		if cached.LatestVersion != "" && isNewerVersion(cached.LatestVersion, c.current()) {
			return c.notice(cached.LatestVersion)
		}
		return ""
	}

	release, newer, err := c.Check(ctx)
	entry := cacheEntry{LastCheck: c.now()}
	if release != nil {
		entry.LatestVersion = release.Version
	}
	c.saveCache(entry)

	if err != nil {
		c.Logger.Debug("update check failed", "error", err)
		return ""
	}
	if !newer {
		return ""
	}
	return c.notice(release.Version)
}

func (c *Checker) notice(latest string) string {
	cmd := "ledgerloop upgrade"
	if IsManaged() {
		cmd = "your package manager"
	}
	return fmt.Sprintf("Update available: %s -> %s (use %s)", c.Current, latest, cmd)
}

// IsManaged reports whether the binary lives in a Homebrew cellar, where
// replacing it in place would confuse the package manager.
func IsManaged() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return isManagedPath(exe)
}

func isManagedPath(exe string) bool {
	return strings.Contains(exe, "/Cellar/") ||
		strings.HasPrefix(exe, "/opt/homebrew/") ||
		strings.Contains(exe, "linuxbrew")
}

type cacheEntry struct {
	LastCheck     time.Time `json:"lastCheck"`
	LatestVersion string    `json:"latestVersion,omitempty"`
}

func (c *Checker) loadCache() (cacheEntry, bool) {
	var entry cacheEntry
	if c.CacheDir == "" {
		return entry, false
	}
	data, err := os.ReadFile(filepath.Join(c.CacheDir, cacheFile))
	if err != nil {
		return entry, false
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false
	}
	return entry, true
}

func (c *Checker) saveCache(entry cacheEntry) {
	if c.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(c.CacheDir, cacheFile), data, 0o644)
}

// isNewerVersion compares major.minor.patch numerically. Pre-release
// suffixes are ignored.
func isNewerVersion(a, b string) bool {
	pa, pb := parseVersion(a), parseVersion(b)
	for i := range pa {
		if pa[i] != pb[i] {
			return pa[i] > pb[i]
		}
	}
	return false
}

func parseVersion(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	v, _, _ = strings.Cut(v, "-")
	for i, part := range strings.SplitN(v, ".", 3) {
		_, _ = fmt.Sscanf(part, "%d", &out[i])
	}
	return out
}
