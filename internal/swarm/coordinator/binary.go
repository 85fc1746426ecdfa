package coordinator

import (
	"os"
	"path/filepath"
	"strings"
)

// minBinarySize is the smallest artifact size accepted as a real binary
// package; anything smaller is treated as a truncated/corrupt upload.
const minBinarySize = 1024

var virtualAtomMarkers = []string{
	"clang-rtlib-config",
	"eselect-ruby",
	"openpgp-keys-",
	"-meta-",
}

// isVirtualPackage reports whether atom names a virtual package that
// never produces a binary artifact and so is exempt from validation.
func isVirtualPackage(atom string) bool {
	category, _, _ := splitAtom(atom)
	if category == "virtual" {
		return true
	}
	for _, marker := range virtualAtomMarkers {
		if strings.Contains(atom, marker) {
			return true
		}
	}
	return false
}

// splitAtom parses an atom like "=category/package-version" into its
// category, package name, and package-version (pv) components. Malformed
// atoms return empty strings rather than erroring; validation simply
// fails to find a match for them.
func splitAtom(atom string) (category, pkg, pv string) {
	trimmed := strings.TrimLeft(atom, "=<>~")
	slash := strings.IndexByte(trimmed, '/')
	if slash < 0 {
		return "", "", ""
	}
	category = trimmed[:slash]
	rest := trimmed[slash+1:]
	pv = rest

	dash := strings.LastIndexByte(rest, '-')
	if dash > 0 {
		pkg = rest[:dash]
	} else {
		pkg = rest
	}
	return category, pkg, pv
}

// validateBinary searches every root for atom's built artifact in both
// nested ({cat}/{pkg}/{pv}*.gpkg.tar) and flat ({cat}/{pv}*.gpkg.tar)
// layouts. A match smaller than minBinarySize is deleted and validation
// continues to the next candidate; it never counts as a pass.
func validateBinary(roots []string, atom string) bool {
	category, pkg, pv := splitAtom(atom)
	if category == "" {
		return false
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		candidates := []string{
			filepath.Join(root, category, pkg),
			filepath.Join(root, category),
		}
		for i, dir := range candidates {
			prefix := pv
			if i == 0 {
				// nested layout: the directory already encodes pkg, so
				// any pv-prefixed archive within it is a match.
				prefix = pv
			}
			if matchInDir(dir, prefix) {
				return true
			}
		}
	}
	return false
}

// matchInDir looks for a "<prefix>*.gpkg.tar" file in dir, deleting and
// skipping any undersized match.
func matchInDir(dir, prefix string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.Contains(name, ".gpkg.tar") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() < minBinarySize {
			_ = os.Remove(path)
			continue
		}
		return true
	}
	return false
}
