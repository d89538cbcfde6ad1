// Package symbolize maps instruction pointers of a live process to function
// names and source locations.
package symbolize

import (
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/memreader/pkg/logflags"
	"github.com/monsterxx03/memreader/pkg/procmaps"
)

const DefaultCacheSize = 4096

type Option func(*Resolver)

// WithDebugInfoDirs sets the directories searched for separate debug files.
func WithDebugInfoDirs(dirs ...string) Option {
	return func(r *Resolver) { r.debugDirs = dirs }
}

// WithCacheSize bounds the number of cached pc lookups.
func WithCacheSize(n int) Option {
	return func(r *Resolver) { r.cacheSize = n }
}

// WithRoot opens mapped files relative to root, usually /proc/<pid>/root.
func WithRoot(root string) Option {
	return func(r *Resolver) { r.root = root }
}

type cacheKey struct {
	pc      uint64
	inlined bool
}

// Resolver symbolizes pcs against a fixed snapshot of a process's mappings.
// It is safe for concurrent use.
type Resolver struct {
	ranges    []procmaps.Range // sorted by Start
	root      string
	debugDirs []string
	cacheSize int
	cache     *lru.Cache
	log       *logrus.Entry

	mu     sync.Mutex
	images map[string]*image // nil entries are files without usable ELF data
}

func New(ranges []procmaps.Range, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		debugDirs: DefaultDebugInfoDirs,
		cacheSize: DefaultCacheSize,
		images:    make(map[string]*image),
		log:       logflags.SymbolizeLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize <= 0 {
		r.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(r.cacheSize)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	r.ranges = make([]procmaps.Range, len(ranges))
	copy(r.ranges, ranges)
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].Start < r.ranges[j].Start })
	return r, nil
}

// Symbolicate resolves pc and calls visit for each resulting frame, innermost
// first. With includeInlined a pc inside inlined code yields one frame per
// inlined call. Missing debug info yields a single address-only frame.
// An error returned by visit stops the walk and is returned unchanged.
func (r *Resolver) Symbolicate(pc uint64, includeInlined bool, visit func(Frame) error) error {
	frames, err := r.resolve(pc, includeInlined)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) resolve(pc uint64, includeInlined bool) ([]Frame, error) {
	key := cacheKey{pc: pc, inlined: includeInlined}
	if v, ok := r.cache.Get(key); ok {
		return v.([]Frame), nil
	}

	rng := r.rangeFor(pc)
	if rng == nil || rng.Anonymous() || rng.Pseudo() {
		return r.remember(key, []Frame{{PC: pc}}), nil
	}
	addrOnly := []Frame{{PC: pc, Module: rng.Filename}}

	img, err := r.image(rng.Filename)
	if err != nil {
		return nil, &ResolutionError{PC: pc, Path: rng.Filename, Err: err}
	}
	if img == nil {
		return r.remember(key, addrOnly), nil
	}
	addr, ok := img.vaddr(rng, pc)
	if !ok {
		return r.remember(key, addrOnly), nil
	}

	frames, err := img.dwarfFrames(addr, includeInlined)
	if err != nil {
		return nil, &ResolutionError{PC: pc, Path: rng.Filename, Err: err}
	}
	if len(frames) == 0 {
		f, err := img.goFrame(addr)
		if err != nil {
			return nil, &ResolutionError{PC: pc, Path: rng.Filename, Err: err}
		}
		if f == nil {
			if f, err = img.symFrame(addr); err != nil {
				return nil, &ResolutionError{PC: pc, Path: rng.Filename, Err: err}
			}
		}
		if f == nil {
			return r.remember(key, addrOnly), nil
		}
		frames = []Frame{*f}
	}
	for i := range frames {
		frames[i].PC = pc
		frames[i].Module = rng.Filename
	}
	return r.remember(key, frames), nil
}

func (r *Resolver) remember(key cacheKey, frames []Frame) []Frame {
	if logflags.Symbolize() {
		r.log.Debugf("0x%x (inlined: %v) -> %v", key.pc, key.inlined, frames)
	}
	r.cache.Add(key, frames)
	return frames
}

func (r *Resolver) rangeFor(pc uint64) *procmaps.Range {
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].Start > pc }) - 1
	if i < 0 || !r.ranges[i].Contains(pc) {
		return nil
	}
	return &r.ranges[i]
}

func (r *Resolver) image(path string) (*image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.images[path]; ok {
		return img, nil
	}
	img, err := openImage(r.root, path, r.debugDirs)
	if err != nil {
		return nil, err
	}
	if img == nil {
		r.log.Debugf("no usable image at %s", filepath.Join(r.root, path))
	} else {
		r.log.Debugf("loaded %s (dwarf: %v, debug file: %v)", img.path, img.dwarf != nil, img.debug != nil)
	}
	r.images[path] = img
	return img, nil
}

// Close releases every opened image file.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, img := range r.images {
		if img != nil {
			if err := img.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.images, path)
	}
	r.cache.Purge()
	return firstErr
}
