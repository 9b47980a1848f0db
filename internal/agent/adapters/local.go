package adapters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
)

// LocalAdapter lists files on the local filesystem, restricted to a set of
// authorized roots.
type LocalAdapter struct {
	AuthorizedRoots []string
}

// NewLocalAdapter constructs a LocalAdapter bound to the agent's
// configured authorized_roots.
func NewLocalAdapter(authorizedRoots []string) *LocalAdapter {
	return &LocalAdapter{AuthorizedRoots: authorizedRoots}
}

// ListFiles implements StorageAdapter.
func (a *LocalAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	metas, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(metas))
	for i, m := range metas {
		paths[i] = m.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements StorageAdapter.
func (a *LocalAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileMeta, error) {
	root, err := a.checkAuthorized(location)
	if err != nil {
		return nil, err
	}

	var out []FileMeta
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		mtime := info.ModTime()
		out = append(out, FileMeta{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: &mtime,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if os.IsPermission(err) {
			return nil, apierr.NewStorageError("local.list", apierr.StoragePermissionDenied, err)
		}
		return nil, apierr.NewStorageError("local.list", apierr.StorageConnectionFailure, err)
	}
	return out, nil
}

// TestConnection implements StorageAdapter: verifies the path exists,
// is a directory, and lies under an authorized root, without listing it.
func (a *LocalAdapter) TestConnection(ctx context.Context, location string) (bool, string, error) {
	if _, err := a.checkAuthorized(location); err != nil {
		var se *apierr.StorageError
		if errors.As(err, &se) {
			return false, se.Error(), nil
		}
		return false, err.Error(), nil
	}
	return true, "local path accessible", nil
}

// checkAuthorized enforces the local rejection rules: the path
// must exist, be a directory, and lie under one of AuthorizedRoots.
// Returns the cleaned, absolute form of location on success.
func (a *LocalAdapter) checkAuthorized(location string) (string, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", apierr.NewStorageError("local.check", apierr.StorageInvalidLocation, err)
	}

	authorized := false
	for _, root := range a.AuthorizedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			authorized = true
			break
		}
	}
	if !authorized {
		return "", apierr.NewStorageError("local.check", apierr.StoragePermissionDenied,
			fmt.Errorf("%q is not under an authorized root", abs))
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apierr.NewStorageError("local.check", apierr.StorageNotFound, err)
		}
		if os.IsPermission(err) {
			return "", apierr.NewStorageError("local.check", apierr.StoragePermissionDenied, err)
		}
		return "", apierr.NewStorageError("local.check", apierr.StorageInvalidLocation, err)
	}
	if !info.IsDir() {
		return "", apierr.NewStorageError("local.check", apierr.StorageInvalidLocation,
			fmt.Errorf("%q is a file, not a directory", abs))
	}
	return abs, nil
}
