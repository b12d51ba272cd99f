package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IOError reports a local filesystem failure while storing a report.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Target is the slugged location of one report below the sink root.
type Target struct {
	DistrictSlug string
	Year         int
	NameSlug     string
	ReleaseSlug  string
}

// Dir returns the directory holding the report, relative to root.
func (t Target) Dir(root string) string {
	return filepath.Join(root, t.DistrictSlug, strconv.Itoa(t.Year))
}

// Path returns the report file path, relative to root.
func (t Target) Path(root string) string {
	return filepath.Join(t.Dir(root), t.NameSlug+"-"+t.ReleaseSlug+".pdf")
}

// FileSink stores downloaded reports as root/{district}/{year}/{name}-{release}.pdf.
// It is safe for concurrent use.
type FileSink struct {
	root  string
	slugs *lru.Cache[string, string]
}

// NewFileSink creates a sink writing below root. cacheSize bounds the number
// of memoised slugs.
func NewFileSink(root string, cacheSize int) (*FileSink, error) {
	if root == "" {
		return nil, errors.New("sink root cannot be empty")
	}
	slugs, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create slug cache: %w", err)
	}
	return &FileSink{root: root, slugs: slugs}, nil
}

// Root returns the directory the sink writes below.
func (s *FileSink) Root() string {
	return s.root
}

// Target derives the slugged location of a report.
func (s *FileSink) Target(district string, year int, release, name string) Target {
	return Target{
		DistrictSlug: s.slug(district),
		Year:         year,
		NameSlug:     s.slug(name),
		ReleaseSlug:  Slugify(ReleaseToken(release)),
	}
}

// TargetPath returns the file path a report is saved to.
func (s *FileSink) TargetPath(district string, year int, release, name string) string {
	return s.Target(district, year, release, name).Path(s.root)
}

// Save writes content to the report's target path, creating directories as
// needed and overwriting any previous download. It returns the written path.
func (s *FileSink) Save(district string, year int, release, name string, content []byte) (string, error) {
	target := s.Target(district, year, release, name)

	dir := target.Dir(s.root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &IOError{Op: "create directory", Path: dir, Err: err}
	}

	path := target.Path(s.root)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", &IOError{Op: "write", Path: path, Err: err}
	}
	return path, nil
}

func (s *FileSink) slug(text string) string {
	if slug, ok := s.slugs.Get(text); ok {
		return slug
	}
	slug := Slugify(text)
	s.slugs.Add(text, slug)
	return slug
}
