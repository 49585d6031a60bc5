package tracekit

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultSourceExtensions is the allow-list a Scanner uses when none is
// supplied: the host language's native extension plus two transpiled-source
// extensions. The Validator has no per-extension front-end: every
// condition and watch is parsed as a Go expression.
var DefaultSourceExtensions = []string{".go", ".coffee", ".es6"}

// FileEntry is one inventory row: a file the Scanner found under the
// scanned root, immutable for the agent's lifetime.
type FileEntry struct {
	AbsPath string
	Size    int64
	Hash    uint64
	// Segments is AbsPath split on the OS separator, used by the Path
	// Resolver's suffix matching.
	Segments []string
}

// Inventory is the Scanner's read-only output: every source file found
// under the scanned root plus a hash of the whole set.
type Inventory struct {
	Root          string
	Files         []FileEntry
	AggregateHash uint64
}

// Scanner performs the one-shot filesystem walk described in the engine's
// Source Scanner component.
type Scanner struct {
	Extensions []string
}

// NewScanner builds a Scanner with DefaultSourceExtensions.
func NewScanner() *Scanner {
	return &Scanner{Extensions: append([]string(nil), DefaultSourceExtensions...)}
}

func (s *Scanner) allowed(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range s.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// walk recurses into dir, appending every allow-listed file it finds to
// paths. It reads directory entries with os.ReadDir rather than
// fs.WalkDir because WalkDir's fs.DirEntry is lstat-based: a symlink to
// a directory reports IsDir() == false and WalkDir never descends into
// it, silently dropping everything reachable only through that symlink.
// Here every entry that resolves (via EvalSymlinks) to a directory is
// descended into explicitly, whether it is a real directory or a
// symlink, with the resolved real path recorded in visited so a symlink
// loop (direct or indirect) is detected and skipped instead of
// recursing forever.
func (s *Scanner) walk(dir string, visited map[string]bool, paths *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())

		if e.Type()&fs.ModeSymlink != 0 {
			real, rerr := filepath.EvalSymlinks(full)
			if rerr != nil {
				continue // broken symlink
			}
			target, serr := os.Stat(real)
			if serr != nil {
				continue
			}
			if !target.IsDir() {
				if s.allowed(full) {
					*paths = append(*paths, full)
				}
				continue
			}
			if visited[real] {
				continue
			}
			visited[real] = true
			if err := s.walk(full, visited, paths); err != nil {
				return err
			}
			continue
		}

		if e.IsDir() {
			if real, rerr := filepath.EvalSymlinks(full); rerr == nil {
				if visited[real] {
					continue
				}
				visited[real] = true
			}
			if err := s.walk(full, visited, paths); err != nil {
				return err
			}
			continue
		}

		if s.allowed(full) {
			*paths = append(*paths, full)
		}
	}
	return nil
}

// Scan walks rootDir once, hashing every allow-listed file, and returns
// the resulting Inventory. File hashing is fanned out across an
// errgroup.Group bounded by GOMAXPROCS; the walk itself is sequential
// since directory traversal has to track visited real paths in order.
func (s *Scanner) Scan(rootDir string) (*Inventory, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	if real, rerr := filepath.EvalSymlinks(abs); rerr == nil {
		visited[real] = true
	}

	var paths []string
	if err := s.walk(abs, visited, &paths); err != nil {
		return nil, err
	}

	entries := make([]FileEntry, len(paths))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			h := xxhash.Sum64(data)
			mu.Lock()
			entries[i] = FileEntry{
				AbsPath:  p,
				Size:     info.Size(),
				Hash:     h,
				Segments: strings.Split(filepath.ToSlash(p), "/"),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].AbsPath < entries[j].AbsPath })

	agg := xxhash.New()
	for _, e := range entries {
		agg.Write([]byte(e.AbsPath))
		var hb [8]byte
		for i := 0; i < 8; i++ {
			hb[i] = byte(e.Hash >> (8 * i))
		}
		agg.Write(hb[:])
	}

	return &Inventory{Root: abs, Files: entries, AggregateHash: agg.Sum64()}, nil
}
