// Package images persists screenshots carried inline in admitted log context.
// Data-URI fields are decoded to files in a flat directory and replaced with
// their filenames; everything else in the context tree passes through intact.
package images

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/logsink/logsink/internal/models"
)

// Sentinel values written in place of images that could not be kept.
const (
	SentinelTooLarge   = "[Image too large]"
	SentinelBadType    = "[Image type not allowed]"
	SentinelSaveFailed = "[Image save failed]"
)

const dataURIPrefix = "data:image/"

// DefaultMaxSize caps decoded image payloads at 10 MiB.
const DefaultMaxSize = 10 * 1024 * 1024

// DefaultAllowedTypes is the extension allowlist applied when none is configured.
var DefaultAllowedTypes = []string{"png", "jpg", "jpeg", "gif", "webp"}

// FileStore owns the image directory shared by admission, lifecycle close,
// and the cleanup sweep.
type FileStore struct {
	dir     string
	maxSize int64
	allowed map[string]bool
	logger  zerolog.Logger
}

func NewFileStore(dir string, maxSize int64, allowedTypes []string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &FileStore{dir: dir, maxSize: maxSize, allowed: allowed, logger: logger}, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string {
	return f.dir
}

// Path resolves a filename inside the store, rejecting anything that is not a
// plain basename.
func (f *FileStore) Path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) ||
		filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid image filename: %q", filename)
	}
	return filepath.Join(f.dir, filename), nil
}

// Save writes one image file.
func (f *FileStore) Save(filename string, data []byte) error {
	path, err := f.Path(filename)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write image %s: %w", filename, err)
	}
	return nil
}

// Delete removes the named files, ignoring ones already gone. It returns the
// number actually removed.
func (f *FileStore) Delete(filenames []string) int {
	removed := 0
	for _, name := range filenames {
		path, err := f.Path(name)
		if err != nil {
			f.logger.Warn().Str("filename", name).Msg("skipping invalid image filename")
			continue
		}
		err = os.Remove(path)
		if err == nil {
			removed++
			continue
		}
		if !os.IsNotExist(err) {
			f.logger.Warn().Err(err).Str("filename", name).Msg("failed to delete image")
		}
	}
	return removed
}

// List enumerates all filenames currently in the store.
func (f *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read images directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ExtractFromContext walks a context tree and persists every well-formed
// data-URI image it finds, replacing the field with the written filename.
// Oversized, disallowed, or unwritable images are replaced with a sentinel
// string. The input is not mutated; the rewritten tree and the list of
// successfully written filenames are returned.
func (f *FileStore) ExtractFromContext(applicationID, issueID string, c models.Context) (models.Context, []string) {
	if c == nil {
		return nil, nil
	}
	w := &walker{fs: f, applicationID: applicationID, issueID: issueID}
	rewritten := w.walkMap(map[string]any(c))
	return models.Context(rewritten), w.saved
}

type walker struct {
	fs            *FileStore
	applicationID string
	issueID       string
	seq           int
	saved         []string
}

func (w *walker) walkMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	// Sorted key order keeps filename numbering stable for identical payloads.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = w.walkValue(m[k])
	}
	return out
}

func (w *walker) walkValue(v any) any {
	switch val := v.(type) {
	case string:
		return w.maybeExtract(val)
	case map[string]any:
		return w.walkMap(val)
	case models.Context:
		return w.walkMap(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = w.walkValue(item)
		}
		return out
	default:
		return v
	}
}

// maybeExtract handles a single string field. Non-image strings pass through.
func (w *walker) maybeExtract(s string) any {
	if !strings.HasPrefix(s, dataURIPrefix) {
		return s
	}
	rest := s[len(dataURIPrefix):]
	marker := strings.Index(rest, ";base64,")
	if marker < 0 {
		return s
	}
	ext := strings.ToLower(rest[:marker])
	payload := rest[marker+len(";base64,"):]

	if !w.fs.allowed[ext] {
		w.fs.logger.Debug().
			Str("application_id", w.applicationID).
			Str("type", ext).
			Msg("rejected image with disallowed type")
		return SentinelBadType
	}

	// Cheap upper-bound check before decoding the payload.
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > w.fs.maxSize {
		return SentinelTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		w.fs.logger.Warn().
			Str("application_id", w.applicationID).
			Err(err).
			Msg("failed to decode image payload")
		return SentinelSaveFailed
	}
	if int64(len(data)) > w.fs.maxSize {
		return SentinelTooLarge
	}

	w.seq++
	filename := fmt.Sprintf("%s-img-%s-%d.%s", w.applicationID, w.issueID, w.seq, ext)
	if err := w.fs.Save(filename, data); err != nil {
		w.fs.logger.Warn().Err(err).Str("filename", filename).Msg("failed to save image")
		return SentinelSaveFailed
	}

	w.saved = append(w.saved, filename)
	return filename
}
