package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/go-github/v69/github"

	"github.com/vaultkit/sidecar/internal/httpkit"
)

// HTTPInstaller is the reference Installer implementation: it fetches
// a plugin as a zip archive over HTTP and extracts it under
// pluginsDir/<id>. stdlib archive/zip is used deliberately — no corpus
// example wires a plugin-archive fetcher, and acquisition itself is
// out of scope, so this is a minimal, real implementation rather than
// a stand-in that does nothing. A "github:owner/repo" source is
// resolved to its latest release's first zip asset via go-github
// before falling into the same download-and-unpack path as a direct
// URL.
type HTTPInstaller struct {
	pluginsDir string
	client     *http.Client
	gh         *github.Client
}

// NewHTTPInstaller builds an HTTPInstaller rooted at pluginsDir, using
// internal/httpkit's shared client defaults for the download and a
// go-github client, authenticated with token, for the "github:owner/repo"
// shorthand. token may be empty; the GitHub client then stays
// unauthenticated and falls back to GitHub's anonymous rate limit.
func NewHTTPInstaller(pluginsDir string, token string) *HTTPInstaller {
	httpClient := httpkit.NewClient()
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &HTTPInstaller{
		pluginsDir: pluginsDir,
		client:     httpClient,
		gh:         gh,
	}
}

const githubSourcePrefix = "github:"

// resolveGitHubRelease turns "owner/repo" into the browser download URL
// of the first zip asset attached to its latest release.
func (h *HTTPInstaller) resolveGitHubRelease(ctx context.Context, repo string) (string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid github source %q, expected github:owner/repo", repo)
	}
	release, _, err := h.gh.Repositories.GetLatestRelease(ctx, parts[0], parts[1])
	if err != nil {
		return "", fmt.Errorf("look up latest release for %s: %w", repo, err)
	}
	for _, asset := range release.Assets {
		if strings.HasSuffix(asset.GetName(), ".zip") {
			return asset.GetBrowserDownloadURL(), nil
		}
	}
	return "", fmt.Errorf("latest release of %s has no zip asset", repo)
}

func (h *HTTPInstaller) InstallFromURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download plugin archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download plugin archive: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read plugin archive: %w", err)
	}

	id := pluginIDFromURL(url)
	if err := h.extractZip(body, id); err != nil {
		return "", err
	}
	return id, h.recordSource(id, url)
}

// Install accepts a full URL, a "github:owner/repo" shorthand resolved
// against that repository's latest release, or a bare plugin id, in
// which case it is treated as already present on disk (a local/offline
// install) — there is no other remote registry to resolve shorthand
// ids against.
func (h *HTTPInstaller) Install(ctx context.Context, source string) (string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return h.InstallFromURL(ctx, source)
	}
	if repo, ok := strings.CutPrefix(source, githubSourcePrefix); ok {
		url, err := h.resolveGitHubRelease(ctx, repo)
		if err != nil {
			return "", err
		}
		id, err := h.InstallFromURL(ctx, url)
		if err != nil {
			return "", err
		}
		return id, h.recordSource(id, source)
	}
	dir := filepath.Join(h.pluginsDir, source)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("plugin %q is not a URL and no local directory exists at %s", source, dir)
	}
	return source, nil
}

// recordSource overwrites the ".source" marker InstallFromURL wrote
// (the resolved download URL) with the original shorthand, so Update
// re-resolves the release instead of replaying a stale asset URL.
func (h *HTTPInstaller) recordSource(id, source string) error {
	return os.WriteFile(filepath.Join(h.pluginsDir, id, ".source"), []byte(source), 0o644)
}

// Update re-resolves and re-downloads the plugin's recorded source,
// which may be a direct URL or a "github:owner/repo" shorthand (in
// which case the latest release is re-resolved rather than replaying
// the previously-downloaded asset URL).
func (h *HTTPInstaller) Update(ctx context.Context, id string) error {
	dir := filepath.Join(h.pluginsDir, id)
	sourceFile := filepath.Join(dir, ".source")
	data, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("no recorded source for plugin %q, cannot update: %w", id, err)
	}
	source := strings.TrimSpace(string(data))

	if repo, ok := strings.CutPrefix(source, githubSourcePrefix); ok {
		url, err := h.resolveGitHubRelease(ctx, repo)
		if err != nil {
			return err
		}
		if _, err := h.InstallFromURL(ctx, url); err != nil {
			return err
		}
		return h.recordSource(id, source)
	}

	_, err = h.InstallFromURL(ctx, source)
	return err
}

func (h *HTTPInstaller) Uninstall(ctx context.Context, id string) error {
	dir := filepath.Join(h.pluginsDir, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("plugin %q not found: %w", id, err)
	}
	return os.RemoveAll(dir)
}

func (h *HTTPInstaller) ListInstalled(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(h.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		source := ""
		if data, err := os.ReadFile(filepath.Join(h.pluginsDir, e.Name(), ".source")); err == nil {
			source = strings.TrimSpace(string(data))
		}
		out = append(out, Info{ID: e.Name(), Source: source})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *HTTPInstaller) extractZip(archive []byte, id string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("open plugin archive: %w", err)
	}

	destRoot := filepath.Join(h.pluginsDir, id)
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(destRoot, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes plugin directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractZipFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func pluginIDFromURL(url string) string {
	name := url
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".zip")
	if name == "" {
		name = "plugin"
	}
	return name
}
