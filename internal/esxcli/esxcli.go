// Package esxcli builds the host shell commands the patcher runs and parses
// their output. Everything here is pure; execution lives in package remote.
package esxcli

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// PowerState is the last observed power state of a VM.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

const (
	ListVMsCommand        = "vim-cmd vmsvc/getallvms"
	FilesystemListCommand = "esxcli storage filesystem list"
	VolumesFallbackCmd    = "ls -d /vmfs/volumes/*/ 2>/dev/null | head -1"
	VersionCommand        = "vmware -v"
	UnameCommand          = "uname -a"
	RecentVIBsCommand     = "esxcli software vib list | tail -20"

	// VolumesRoot is the mount root of every datastore.
	VolumesRoot = "/vmfs/volumes/"
)

var vmIDRe = regexp.MustCompile(`^[0-9]+$`)

// ParseVMIDs extracts VM ids from `vim-cmd vmsvc/getallvms` output: the first
// column of every data line. The header and annotation continuation lines
// are skipped because their first column is not numeric.
func ParseVMIDs(out string) []string {
	var ids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if vmIDRe.MatchString(fields[0]) {
			ids = append(ids, fields[0])
		}
	}
	return ids
}

// GetStateCommand returns the power state query for a VM.
func GetStateCommand(id string) string { return "vim-cmd vmsvc/power.getstate " + id }

// ShutdownCommand requests a guest OS shutdown.
func ShutdownCommand(id string) string { return "vim-cmd vmsvc/power.shutdown " + id }

// PowerOffCommand forces a VM off.
func PowerOffCommand(id string) string { return "vim-cmd vmsvc/power.off " + id }

// PowerOnCommand powers a VM on.
func PowerOnCommand(id string) string { return "vim-cmd vmsvc/power.on " + id }

// ParsePowerState maps power.getstate output to a PowerState.
func ParsePowerState(out string) PowerState {
	switch {
	case strings.Contains(out, "Powered on"):
		return PowerOn
	case strings.Contains(out, "Powered off"):
		return PowerOff
	default:
		return PowerUnknown
	}
}

// ParseFilesystemList returns the first VMFS mount point from
// `esxcli storage filesystem list`, or "" if none is listed.
func ParseFilesystemList(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && strings.HasPrefix(fields[0], VolumesRoot) && len(fields[0]) > len(VolumesRoot) {
			return fields[0]
		}
	}
	return ""
}

// ParseVolumesFallback returns the first directory printed by
// VolumesFallbackCmd without its trailing slash.
func ParseVolumesFallback(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(strings.TrimSpace(sc.Text()), "/")
		if strings.HasPrefix(line, VolumesRoot) && len(line) > len(VolumesRoot) {
			return line
		}
	}
	return ""
}

// Quote wraps s in single quotes for the ESXi busybox shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DepotInstallCommand installs an offline bundle (.zip).
func DepotInstallCommand(path string) string {
	return fmt.Sprintf("esxcli software vib install -d %s --no-sig-check", Quote(path))
}

// VIBInstallCommand installs a single component (.vib).
func VIBInstallCommand(path string) string {
	return fmt.Sprintf("esxcli software vib install -v %s --no-sig-check", Quote(path))
}

// ProfileUpdateCommand updates the image profile from an artifact (.iso).
func ProfileUpdateCommand(path string) string {
	return fmt.Sprintf("esxcli software profile update -d %s", Quote(path))
}

// VIBSearchCommand lists installed components matching pattern, case-insensitively.
func VIBSearchCommand(pattern string) string {
	return "esxcli software vib list | grep -i " + Quote(pattern)
}

var buildRe = regexp.MustCompile(`\d{8}`)

// BuildID returns the first 8-digit build number in an artifact name, if any.
func BuildID(name string) (string, bool) {
	m := buildRe.FindString(name)
	return m, m != ""
}
