package assets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Source provides raw bytes and modification times for asset paths. Paths
// are slash-separated and relative.
type Source interface {
	Read(path string) ([]byte, error)
	ModTime(path string) (time.Time, error)
}

// DirSource serves files below Root.
type DirSource struct {
	Root string
}

func (d DirSource) resolve(path string) (string, error) {
	if !fs.ValidPath(path) {
		return "", fmt.Errorf("invalid asset path %q", path)
	}
	return filepath.Join(d.Root, filepath.FromSlash(path)), nil
}

func (d DirSource) Read(path string) ([]byte, error) {
	p, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d DirSource) ModTime(path string) (time.Time, error) {
	p, err := d.resolve(path)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

type mount struct {
	prefix string
	src    Source
}

// pickMount returns the source with the longest matching prefix. Paths are
// handed to the source unchanged.
func pickMount(mounts []mount, path string) (Source, bool) {
	best := -1
	for i, m := range mounts {
		if strings.HasPrefix(path, m.prefix) && (best < 0 || len(m.prefix) > len(mounts[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return mounts[best].src, true
}
