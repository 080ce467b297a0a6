package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const archiveExt = ".db"

// Manager owns a directory tree of session archives. Files are named by a
// fresh uuid and fanned out under a two-character prefix subdirectory.
type Manager struct {
	root string
}

// Info summarizes one archive under the manager root.
type Info struct {
	Path      string
	ID        string
	Meta      Metadata
	Pages     int
	SizeBytes int64
}

// NewManager creates the root directory if needed.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("archive root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the managed directory.
func (m *Manager) Root() string {
	if m == nil {
		return ""
	}
	return m.root
}

// NewArchive creates a fresh, empty session archive under the root.
func (m *Manager) NewArchive() (*Archive, error) {
	if m == nil || m.root == "" {
		return nil, errors.New("manager is not initialized")
	}

	id := uuid.NewString()
	path := filepath.Join(m.root, id[:2], id+archiveExt)
	return Open(path)
}

// List returns every readable archive under the root, newest first.
// Unreadable files are skipped; their errors are combined into the returned
// error alongside the successful results.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	if m == nil || m.root == "" {
		return nil, errors.New("manager is not initialized")
	}

	paths, err := m.archivePaths()
	if err != nil {
		return nil, err
	}

	var (
		infos   []Info
		probErr error
	)
	for _, path := range paths {
		info, err := readInfo(ctx, path)
		if err != nil {
			probErr = multierr.Append(probErr, fmt.Errorf("%s: %w", path, err))
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Meta.CreatedAt.After(infos[j].Meta.CreatedAt)
	})

	return infos, probErr
}

// Search returns the paths of archives matching the filters, ordered by
// creation time ascending so sessions replay in the order they were recorded.
// Empty origin or category matches everything; a zero after instant applies
// no lower bound.
func (m *Manager) Search(ctx context.Context, origin, category string, after time.Time) ([]string, error) {
	if m == nil || m.root == "" {
		return nil, errors.New("manager is not initialized")
	}

	infos, err := m.List(ctx)
	if err != nil && len(infos) == 0 {
		return nil, err
	}

	var matched []Info
	for _, info := range infos {
		if origin != "" && info.Meta.Origin != origin {
			continue
		}
		if category != "" && info.Meta.Category != category {
			continue
		}
		if !after.IsZero() && info.Meta.CreatedAt.Before(after) {
			continue
		}
		matched = append(matched, info)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Meta.CreatedAt.Before(matched[j].Meta.CreatedAt)
	})

	paths := make([]string, 0, len(matched))
	for _, info := range matched {
		paths = append(paths, info.Path)
	}
	return paths, nil
}

// Remove deletes one archive file.
func (m *Manager) Remove(path string) error {
	if m == nil || m.root == "" {
		return errors.New("manager is not initialized")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (m *Manager) archivePaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), archiveExt) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk archive root: %w", err)
	}
	return paths, nil
}

func readInfo(ctx context.Context, path string) (info Info, err error) {
	arc, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() {
		err = multierr.Append(err, arc.Close())
	}()

	meta, err := arc.Metadata(ctx)
	if err != nil {
		return Info{}, err
	}
	pages, err := arc.Count(ctx)
	if err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat archive: %w", err)
	}

	return Info{
		Path:      path,
		ID:        strings.TrimSuffix(filepath.Base(path), archiveExt),
		Meta:      meta,
		Pages:     pages,
		SizeBytes: stat.Size(),
	}, nil
}
