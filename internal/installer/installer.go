// Package installer abstracts plugin acquisition behind the narrow
// surface plugins.install/update/uninstall/list actually need.
// Acquisition itself sits outside the kernel's own concerns, since
// plugin code is compiled in rather than dynamically loaded; this
// package exists so those built-in commands have something real to call.
package installer

import "context"

// Info describes one installed plugin on disk, independent of whether
// it is currently enabled.
type Info struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Version string `json:"version,omitempty"`
}

// Installer is the plugin-acquisition collaborator.
type Installer interface {
	// InstallFromURL downloads and unpacks a plugin archive from url
	// into the workspace's plugins directory, returning its resolved id.
	InstallFromURL(ctx context.Context, url string) (string, error)
	// Install is the same as InstallFromURL but accepts a source
	// shorthand (e.g. "github:owner/repo", or a bare plugin id already
	// present on disk) in addition to a full URL.
	Install(ctx context.Context, source string) (string, error)
	// Update re-downloads and replaces an already-installed plugin.
	Update(ctx context.Context, id string) error
	// Uninstall removes a plugin's directory entirely.
	Uninstall(ctx context.Context, id string) error
	// ListInstalled reports every plugin directory currently on disk.
	ListInstalled(ctx context.Context) ([]Info, error)
}
