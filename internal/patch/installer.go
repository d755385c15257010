package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
)

// ErrSizeMismatch is returned when the uploaded size differs from the local size.
var ErrSizeMismatch = errors.New("uploaded size does not match local size")

// InstallResult carries the captured output of the install command.
type InstallResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Installer moves an artifact onto a host and installs it.
type Installer struct {
	installTimeout time.Duration
	log            *zap.Logger
}

// NewInstaller creates an Installer. installTimeout bounds the install command.
func NewInstaller(installTimeout time.Duration, log *zap.Logger) *Installer {
	return &Installer{installTimeout: installTimeout, log: log}
}

// Upload copies the artifact to the datastore. The transfer succeeds only if
// both the bytes written and the remote file size equal the local size.
func (i *Installer) Upload(ctx context.Context, s remote.Session, a Artifact, datastore string) error {
	local, err := os.Stat(a.LocalPath)
	if err != nil {
		return fmt.Errorf("patch file: %w", err)
	}
	if err := remote.ValidateDatastorePath(datastore); err != nil {
		return err
	}

	dir, err := s.Stat(ctx, datastore)
	if err != nil {
		return fmt.Errorf("datastore %s not accessible: %w", datastore, err)
	}
	if !dir.IsDir() {
		return fmt.Errorf("datastore %s is not a directory", datastore)
	}

	target := a.RemotePath(datastore)
	i.log.Info("Uploading patch",
		zap.String("file", a.Name),
		zap.String("target", target),
		zap.String("size", units.HumanSize(float64(local.Size()))),
	)

	start := time.Now()
	written, err := s.Upload(ctx, a.LocalPath, target)
	if err != nil {
		return fmt.Errorf("upload %s: %w", a.Name, err)
	}
	if written != local.Size() {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, written, local.Size())
	}

	remoteInfo, err := s.Stat(ctx, target)
	if err != nil {
		return fmt.Errorf("stat uploaded file: %w", err)
	}
	if remoteInfo.Size() != local.Size() {
		return fmt.Errorf("%w: remote %d, local %d bytes", ErrSizeMismatch, remoteInfo.Size(), local.Size())
	}

	elapsed := time.Since(start)
	rate := "n/a"
	if secs := elapsed.Seconds(); secs > 0 {
		rate = units.HumanSize(float64(local.Size())/secs) + "/s"
	}
	i.log.Info("Patch uploaded", zap.Duration("elapsed", elapsed), zap.String("rate", rate))
	return nil
}

// Install runs the artifact's install command, streaming its output to the
// log. Unsupported artifacts fail before any command is sent.
func (i *Installer) Install(ctx context.Context, r remote.Runner, a Artifact, datastore string) (InstallResult, error) {
	cmd, err := a.InstallCommand(datastore)
	if err != nil {
		return InstallResult{}, err
	}

	i.log.Info("Installing patch", zap.String("command", cmd), zap.Duration("timeout", i.installTimeout))
	res, err := r.Run(ctx, cmd,
		remote.WithTimeout(i.installTimeout),
		remote.WithLineHandler(func(stream remote.Stream, line string) {
			if stream == remote.Stderr {
				i.log.Warn(line, zap.String("stream", stream.String()))
				return
			}
			i.log.Info(line, zap.String("stream", stream.String()))
		}),
	)
	out := InstallResult{Command: cmd}
	if res != nil {
		out.ExitCode, out.Stdout, out.Stderr = res.ExitCode, res.Stdout, res.Stderr
	}
	if err != nil {
		return out, fmt.Errorf("install command: %w", err)
	}
	if !res.OK() {
		return out, fmt.Errorf("install command exited with %d: %s", res.ExitCode, res.Stderr)
	}
	i.log.Info("Patch installed")
	return out, nil
}

// Verify looks for the artifact's 8-digit build number among installed
// components. Without a build number a working shell is accepted as proof.
func (i *Installer) Verify(ctx context.Context, r remote.Runner, a Artifact) bool {
	build, ok := esxcli.BuildID(a.Name)
	if !ok {
		res, err := r.Run(ctx, esxcli.UnameCommand)
		if err != nil || !res.OK() {
			i.log.Warn("Host liveness check failed", zap.Error(err))
			return false
		}
		i.log.Info("No build number in patch name, host responds", zap.String("uname", res.Stdout))
		return true
	}

	res, err := r.Run(ctx, esxcli.VIBSearchCommand(build))
	if err == nil && res.OK() && res.Stdout != "" {
		i.log.Info("Patch found among installed components", zap.String("build", build))
		return true
	}

	i.log.Warn("Patch build not found among installed components", zap.String("build", build))
	if res, err := r.Run(ctx, esxcli.RecentVIBsCommand); err == nil && res.OK() {
		i.log.Info("Recently listed components", zap.String("vibs", res.Stdout))
	}
	if res, err := r.Run(ctx, esxcli.VersionCommand); err == nil && res.OK() {
		i.log.Info("Host version", zap.String("version", res.Stdout))
	}
	return false
}

// Cleanup removes the uploaded artifact. Failures are logged and reported only.
func (i *Installer) Cleanup(ctx context.Context, s remote.Session, a Artifact, datastore string) bool {
	target := a.RemotePath(datastore)
	if err := s.Remove(ctx, target); err != nil {
		i.log.Warn("Failed to remove patch file", zap.String("path", target), zap.Error(err))
		return false
	}
	i.log.Info("Patch file removed", zap.String("path", target))
	return true
}
