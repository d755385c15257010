// Package patch transfers a patch artifact to a host datastore, installs it
// with the command its file type calls for, verifies and removes it.
package patch

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
)

// Strategy selects how an artifact is installed.
type Strategy string

const (
	// StrategyPackage installs an offline bundle (.zip).
	StrategyPackage Strategy = "package-install"
	// StrategyComponent installs a single component (.vib).
	StrategyComponent Strategy = "single-component-install"
	// StrategyImageProfile updates the image profile (.iso).
	StrategyImageProfile Strategy = "image-profile-update"
	StrategyUnsupported  Strategy = "unsupported"
)

// ErrUnsupportedArtifact is returned for artifacts with no install strategy.
var ErrUnsupportedArtifact = errors.New("unsupported patch artifact")

// StrategyFor maps a file name to its install strategy by extension,
// case-insensitively.
func StrategyFor(name string) Strategy {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return StrategyPackage
	case ".vib":
		return StrategyComponent
	case ".iso":
		return StrategyImageProfile
	default:
		return StrategyUnsupported
	}
}

// Artifact is a local patch file and how to install it.
type Artifact struct {
	LocalPath string
	Name      string
	Strategy  Strategy
}

// NewArtifact derives the remote file name and strategy from a local path.
func NewArtifact(localPath string) Artifact {
	name := filepath.Base(localPath)
	return Artifact{LocalPath: localPath, Name: name, Strategy: StrategyFor(name)}
}

// RemotePath is where the artifact lives on the given datastore.
func (a Artifact) RemotePath(datastore string) string {
	return path.Join(datastore, a.Name)
}

// InstallCommand returns the shell command installing the artifact from
// datastore. It performs no I/O.
func (a Artifact) InstallCommand(datastore string) (string, error) {
	p := a.RemotePath(datastore)
	switch a.Strategy {
	case StrategyPackage:
		return esxcli.DepotInstallCommand(p), nil
	case StrategyComponent:
		return esxcli.VIBInstallCommand(p), nil
	case StrategyImageProfile:
		return esxcli.ProfileUpdateCommand(p), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArtifact, a.Name)
	}
}
