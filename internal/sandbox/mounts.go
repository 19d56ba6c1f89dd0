package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/dotclaw/internal/shared"
)

// MountRule is one allowlisted host path exposure (config/mount-allowlist.json).
type MountRule struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// LoadMountAllowlist reads the allowlist and returns Docker bind specs.
// Rules with relative or nonexistent host paths are rejected outright; a
// typo must not silently widen the sandbox.
func LoadMountAllowlist(path string) ([]string, error) {
	var rules []MountRule
	if err := shared.ReadJSON(path, &rules); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	binds := make([]string, 0, len(rules))
	for _, r := range rules {
		if !filepath.IsAbs(r.HostPath) {
			return nil, fmt.Errorf("mount allowlist: host path %q is not absolute", r.HostPath)
		}
		if !strings.HasPrefix(r.ContainerPath, "/") {
			return nil, fmt.Errorf("mount allowlist: container path %q is not absolute", r.ContainerPath)
		}
		if _, err := os.Stat(r.HostPath); err != nil {
			return nil, fmt.Errorf("mount allowlist: host path %q: %w", r.HostPath, err)
		}
		bind := r.HostPath + ":" + r.ContainerPath
		if r.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds, nil
}
