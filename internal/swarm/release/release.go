// Package release implements the binhost release engine: immutable
// versioned snapshots of the staging directory, atomic promotion via
// symlink swap, rollback, and diffing.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Store is the subset of store.Store the release engine depends on.
type Store interface {
	InsertRelease(ctx context.Context, r types.Release) error
	GetRelease(ctx context.Context, version string) (types.Release, error)
	GetActiveRelease(ctx context.Context) (types.Release, error)
	ListReleases(ctx context.Context) ([]types.Release, error)
	PromoteRelease(ctx context.Context, version string) error
	ArchiveRelease(ctx context.Context, version string) error
	DeleteRelease(ctx context.Context, version string) error
	MostRecentlyPromotedArchived(ctx context.Context) (types.Release, error)
}

// Config configures the three filesystem roots the engine manages.
type Config struct {
	StagingDir     string
	ReleasesBase   string
	BinhostSymlink string
}

// Engine is the release engine.
type Engine struct {
	store Store
	cfg   Config
}

// New constructs an Engine.
func New(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// manifest is the release.json file written into every release directory.
type manifest struct {
	Version      string    `json:"version"`
	Name         string    `json:"name"`
	PackageCount int       `json:"package_count"`
	SizeMB       float64   `json:"size_mb"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	Notes        string    `json:"notes"`
}

// CreateRelease snapshots the staging directory into a new immutable
// release directory, hardlinking every file (falling back to a copy on
// cross-device errors) and recording a staging-status row.
func (e *Engine) CreateRelease(ctx context.Context, version, name, notes, createdBy string) (types.Release, error) {
	if version == "" {
		v, err := e.nextVersion(ctx)
		if err != nil {
			return types.Release{}, err
		}
		version = v
	}

	destDir := filepath.Join(e.cfg.ReleasesBase, version)
	if _, err := os.Stat(destDir); err == nil {
		return types.Release{}, types.NewError(types.ErrConflict, "release %s already exists", version)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return types.Release{}, fmt.Errorf("create release dir: %w", err)
	}

	count, sizeBytes, err := hardlinkTree(e.cfg.StagingDir, destDir)
	if err != nil {
		return types.Release{}, fmt.Errorf("snapshot staging: %w", err)
	}

	now := time.Now().UTC()
	m := manifest{
		Version:      version,
		Name:         name,
		PackageCount: count,
		SizeMB:       float64(sizeBytes) / (1024 * 1024),
		CreatedAt:    now,
		CreatedBy:    createdBy,
		Notes:        notes,
	}
	if err := writeManifest(destDir, m); err != nil {
		return types.Release{}, err
	}

	rel := types.Release{
		Version:      version,
		Name:         name,
		Notes:        notes,
		Status:       types.ReleaseStaging,
		PackageCount: count,
		SizeMB:       m.SizeMB,
		Path:         destDir,
		CreatedAt:    now,
		CreatedBy:    createdBy,
	}
	if err := e.store.InsertRelease(ctx, rel); err != nil {
		return types.Release{}, err
	}
	return rel, nil
}

// nextVersion generates YYYY.MM.DD with a .N suffix on collision.
func (e *Engine) nextVersion(ctx context.Context) (string, error) {
	base := time.Now().UTC().Format("2006.01.02")
	version := base
	for n := 1; ; n++ {
		if _, err := e.store.GetRelease(ctx, version); err != nil {
			return version, nil
		}
		version = fmt.Sprintf("%s.%d", base, n)
	}
}

// PromoteRelease archives the current active release (if any) and makes
// version active, atomically swapping the binhost symlink via a
// temp-link-then-rename so observers never see a missing or half-updated
// target.
func (e *Engine) PromoteRelease(ctx context.Context, version string) error {
	rel, err := e.store.GetRelease(ctx, version)
	if err != nil {
		return err
	}

	if err := swapSymlink(e.cfg.BinhostSymlink, rel.Path); err != nil {
		return fmt.Errorf("swap binhost symlink: %w", err)
	}
	return e.store.PromoteRelease(ctx, version)
}

// Rollback promotes the most recently promoted archived release.
func (e *Engine) Rollback(ctx context.Context) (types.Release, error) {
	prior, err := e.store.MostRecentlyPromotedArchived(ctx)
	if err != nil {
		return types.Release{}, err
	}
	if err := e.PromoteRelease(ctx, prior.Version); err != nil {
		return types.Release{}, err
	}
	return prior, nil
}

// ArchiveRelease marks a release archived without touching the symlink.
func (e *Engine) ArchiveRelease(ctx context.Context, version string) error {
	return e.store.ArchiveRelease(ctx, version)
}

// DeleteRelease removes a release's directory and row, refusing to delete
// the active release.
func (e *Engine) DeleteRelease(ctx context.Context, version string) error {
	rel, err := e.store.GetRelease(ctx, version)
	if err != nil {
		return err
	}
	if rel.Status == types.ReleaseActive {
		return types.NewError(types.ErrConflict, "cannot delete the active release")
	}
	if err := os.RemoveAll(rel.Path); err != nil {
		return fmt.Errorf("remove release directory: %w", err)
	}
	return e.store.DeleteRelease(ctx, version)
}

// DiffResult describes the package-level differences between two releases.
type DiffResult struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged int
}

// DiffReleases lists added, removed, and changed-version packages between
// two release directory trees. Packages are keyed by category/name; a
// differing version counts as changed, identical as unchanged.
func (e *Engine) DiffReleases(ctx context.Context, from, to string) (DiffResult, error) {
	fromRel, err := e.store.GetRelease(ctx, from)
	if err != nil {
		return DiffResult{}, err
	}
	toRel, err := e.store.GetRelease(ctx, to)
	if err != nil {
		return DiffResult{}, err
	}

	fromPkgs, err := listPackageVersions(fromRel.Path)
	if err != nil {
		return DiffResult{}, err
	}
	toPkgs, err := listPackageVersions(toRel.Path)
	if err != nil {
		return DiffResult{}, err
	}

	var result DiffResult
	for key, fromVersion := range fromPkgs {
		toVersion, ok := toPkgs[key]
		if !ok {
			result.Removed = append(result.Removed, key)
			continue
		}
		if toVersion != fromVersion {
			result.Changed = append(result.Changed, key)
		} else {
			result.Unchanged++
		}
	}
	for key := range toPkgs {
		if _, ok := fromPkgs[key]; !ok {
			result.Added = append(result.Added, key)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Changed)
	return result, nil
}

// MigrateToReleaseSystem performs the one-time migration of a flat binhost
// directory into the release system: rename it into releases_base/initial,
// create the symlink, and insert an active row.
func (e *Engine) MigrateToReleaseSystem(ctx context.Context, flatBinhostDir, createdBy string) (types.Release, error) {
	if info, err := os.Lstat(e.cfg.BinhostSymlink); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return types.Release{}, types.NewError(types.ErrConflict, "binhost path is already a symlink, migration refused")
	}

	destDir := filepath.Join(e.cfg.ReleasesBase, "initial")
	if err := os.MkdirAll(e.cfg.ReleasesBase, 0o755); err != nil {
		return types.Release{}, fmt.Errorf("create releases base: %w", err)
	}
	if err := os.Rename(flatBinhostDir, destDir); err != nil {
		return types.Release{}, fmt.Errorf("rename flat binhost: %w", err)
	}

	count, sizeBytes, err := countTree(destDir)
	if err != nil {
		return types.Release{}, err
	}

	now := time.Now().UTC()
	m := manifest{Version: "initial", Name: "initial", PackageCount: count, SizeMB: float64(sizeBytes) / (1024 * 1024), CreatedAt: now, CreatedBy: createdBy}
	if err := writeManifest(destDir, m); err != nil {
		return types.Release{}, err
	}

	if err := swapSymlink(e.cfg.BinhostSymlink, destDir); err != nil {
		return types.Release{}, fmt.Errorf("create binhost symlink: %w", err)
	}

	rel := types.Release{
		Version: "initial", Name: "initial", Status: types.ReleaseActive,
		PackageCount: count, SizeMB: m.SizeMB, Path: destDir, CreatedAt: now, CreatedBy: createdBy,
		PromotedAt: &now,
	}
	if err := e.store.InsertRelease(ctx, rel); err != nil {
		return types.Release{}, err
	}
	return rel, nil
}

func writeManifest(dir string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "release.json"), data, 0o644)
}

// hardlinkTree recursively hardlinks every regular file from src into dst,
// creating directories as needed, falling back to a copy whenever the
// hardlink fails (for any reason, cross-filesystem EXDEV included).
func hardlinkTree(src, dst string) (fileCount int, totalBytes int64, err error) {
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if err := os.Link(path, target); err != nil {
			if copyErr := copyFile(path, target); copyErr != nil {
				return fmt.Errorf("link/copy %s: %w", path, copyErr)
			}
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		fileCount++
		totalBytes += info.Size()
		return nil
	})
	return fileCount, totalBytes, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func countTree(dir string) (fileCount int, totalBytes int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		fileCount++
		totalBytes += info.Size()
		return nil
	})
	return fileCount, totalBytes, err
}

// swapSymlink atomically points symlinkPath at target: it creates a
// temporary link alongside symlinkPath and renames it into place, so the
// symlink is never missing or dangling mid-swap.
func swapSymlink(symlinkPath, target string) error {
	dir := filepath.Dir(symlinkPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(symlinkPath), time.Now().UnixNano()))
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, symlinkPath)
}

// listPackageVersions walks a release directory and extracts
// category/package -> version from filenames shaped
// "<category>/<pkg>-<version>*.gpkg.tar" or the flat equivalent.
func listPackageVersions(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.Contains(d.Name(), ".gpkg.tar") {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		key, version := parseGpkgName(rel)
		if key != "" {
			out[key] = version
		}
		return nil
	})
	return out, err
}

// parseGpkgName splits a path like "cat/pkg-1.2.3.gpkg.tar" into
// ("cat/pkg", "1.2.3"). Best-effort: malformed names are skipped.
func parseGpkgName(rel string) (key, version string) {
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	base = strings.TrimSuffix(base, ".gpkg")
	idx := strings.LastIndex(base, "-")
	if idx <= 0 {
		return "", ""
	}
	name, ver := base[:idx], base[idx+1:]
	dir := filepath.Dir(rel)
	if dir != "." {
		name = dir + "/" + name
	}
	return name, ver
}
