// Package pathutil converts between Linux mount paths and Windows host
// paths for setups where the pipeline runs inside WSL but the worker
// process addresses files with drive letters.
package pathutil

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	mountRe = regexp.MustCompile(`^/mnt/([a-zA-Z])(/.*)?$`)
	driveRe = regexp.MustCompile(`^([a-zA-Z]):[\\/]?(.*)$`)
)

// ToHostPath converts a /mnt/<drive>/... path to its Windows form
// (X:\...). Paths outside a mount point are returned unchanged.
func ToHostPath(path string) string {
	m := mountRe.FindStringSubmatch(path)
	if m == nil {
		return path
	}
	drive := strings.ToUpper(m[1])
	rest := strings.TrimPrefix(m[2], "/")
	if rest == "" {
		return drive + `:\`
	}
	return drive + `:\` + strings.ReplaceAll(rest, "/", `\`)
}

// ToMountPath converts a Windows drive path (X:\... or X:/...) to its
// WSL mount form (/mnt/x/...). Other paths are returned unchanged.
func ToMountPath(path string) string {
	m := driveRe.FindStringSubmatch(path)
	if m == nil {
		return path
	}
	drive := strings.ToLower(m[1])
	rest := strings.ReplaceAll(m[2], `\`, "/")
	if rest == "" {
		return "/mnt/" + drive
	}
	return "/mnt/" + drive + "/" + rest
}

// IsMountPath reports whether the path lives under a WSL drive mount.
func IsMountPath(path string) bool {
	return mountRe.MatchString(path)
}

// Normalize cleans a path and converts any Windows separators to
// forward slashes without changing the drive form.
func Normalize(path string) string {
	if driveRe.MatchString(path) {
		return ToHostPath(ToMountPath(path))
	}
	return filepath.Clean(strings.ReplaceAll(path, `\`, "/"))
}
