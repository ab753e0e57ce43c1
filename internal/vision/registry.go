package vision

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Template is a named reference image with an optional search region.
type Template struct {
	Name      string
	Image     *image.Gray
	ROI       image.Rectangle // empty: search the whole screen
	Threshold float64
}

// Registry holds templates by upper-case name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	matcher   *Matcher
	logger    *slog.Logger
}

// NewRegistry creates an empty registry using matcher (nil: stride 2).
func NewRegistry(matcher *Matcher, logger *slog.Logger) *Registry {
	if matcher == nil {
		matcher = NewMatcher(2)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		templates: make(map[string]*Template),
		matcher:   matcher,
		logger:    logger,
	}
}

// TemplateName derives a template name from its file name: "battle_start.png" -> "BATTLE_START".
func TemplateName(path string) string {
	base := filepath.Base(path)
	return strings.ToUpper(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Register adds or replaces a template. A threshold <= 0 uses DefaultThreshold.
func (r *Registry) Register(name string, img image.Image, roi image.Rectangle, threshold float64) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[strings.ToUpper(name)] = &Template{
		Name:      strings.ToUpper(name),
		Image:     ToGray(img),
		ROI:       roi,
		Threshold: threshold,
	}
}

// LoadDir registers every PNG in dir and returns how many were loaded.
// Unreadable files are logged and skipped.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read template dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".png") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		img, err := loadPNG(path)
		if err != nil {
			r.logger.Warn("[Registry] LoadDir: skipping template", "file", entry.Name(), "err", err)
			continue
		}
		r.Register(TemplateName(path), img, image.Rectangle{}, 0)
		loaded++
	}
	r.logger.Info("[Registry] LoadDir: templates loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// SetROI restricts a template's search region.
func (r *Registry) SetROI(name string, roi image.Rectangle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[strings.ToUpper(name)]
	if !ok {
		return fmt.Errorf("unknown template %q", name)
	}
	t.ROI = roi
	return nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[strings.ToUpper(name)]
	return t, ok
}

// Names returns all template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Find looks for the named template on screen using its ROI and threshold.
func (r *Registry) Find(screen image.Image, name string) (Match, bool, error) {
	return r.Locate(screen, name, 0)
}

// Locate is Find with an explicit threshold; threshold <= 0 uses the template's own.
func (r *Registry) Locate(screen image.Image, name string, threshold float64) (Match, bool, error) {
	t, ok := r.Get(name)
	if !ok {
		return Match{}, false, fmt.Errorf("unknown template %q", name)
	}
	if threshold <= 0 {
		threshold = t.Threshold
	}
	m, found := r.matcher.Find(screen, t.Image, t.ROI, threshold)
	return m, found, nil
}

// FindAll returns every occurrence of the named template on screen.
func (r *Registry) FindAll(screen image.Image, name string) ([]Match, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	return r.matcher.FindAll(screen, t.Image, t.ROI, t.Threshold), nil
}
