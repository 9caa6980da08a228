// Package media resolves input files and streams into typed sources and decodes them into
// sampled frames.
package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultVideoExtensions is the allow-list of extensions decoded as video.
// Every other extension is treated as a still image.
var DefaultVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

// sniffLimit is how many leading bytes of a nameless stream are inspected for its MIME type.
const sniffLimit = 3072

// ErrSourceConsumed is returned when a stream source is opened a second time.
var ErrSourceConsumed = errors.New("stream source already consumed")

// KindTable maps lower-cased file extensions to media kinds.
type KindTable map[string]types.MediaKind

// NewKindTable builds a table from a list of video extensions. Entries are normalized
// to a leading dot and lower case.
func NewKindTable(videoExts []string) KindTable {
	if len(videoExts) == 0 {
		videoExts = DefaultVideoExtensions
	}
	t := make(KindTable, len(videoExts))
	for _, ext := range videoExts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		t[ext] = types.KindVideo
	}
	return t
}

// KindOf classifies a file name by extension. Unknown extensions are images.
func (t KindTable) KindOf(name string) types.MediaKind {
	if k, ok := t[strings.ToLower(filepath.Ext(name))]; ok {
		return k
	}
	return types.KindImage
}

// Source is an immutable reference to readable media plus its detected kind.
// File sources can be opened any number of times; stream sources exactly once.
type Source struct {
	path string
	name string
	kind types.MediaKind

	stream   io.Reader
	mu       sync.Mutex
	consumed bool
}

// NewFileSource references a file on disk. The kind is taken from the file extension.
func NewFileSource(path string, table KindTable) *Source {
	return &Source{path: path, name: filepath.Base(path), kind: table.KindOf(path)}
}

// NewStreamSource wraps a byte stream. When name carries no extension the leading bytes
// are sniffed to recover one, and the kind table is applied to that.
func NewStreamSource(r io.Reader, name string, table KindTable) *Source {
	src := &Source{name: name, stream: r}
	if filepath.Ext(name) == "" {
		br := bufio.NewReaderSize(r, sniffLimit)
		head, _ := br.Peek(sniffLimit) // short streams return what is available
		ext := mimetype.Detect(head).Extension()
		src.stream = br
		src.name = name + ext
	}
	src.kind = table.KindOf(src.name)
	return src
}

// Path returns the file path, or "" for stream sources.
func (s *Source) Path() string { return s.path }

// Name returns a display name that carries the extension used for kind detection.
func (s *Source) Name() string { return s.name }

// Kind returns the detected media kind.
func (s *Source) Kind() types.MediaKind { return s.kind }

// IsStream reports whether the source is backed by a reader rather than a file.
func (s *Source) IsStream() bool { return s.path == "" }

// Open returns a reader over the media bytes.
func (s *Source) Open() (io.ReadCloser, error) {
	if !s.IsStream() {
		return os.Open(s.path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return nil, ErrSourceConsumed
	}
	s.consumed = true
	if rc, ok := s.stream.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.stream), nil
}

// CheckReadable verifies a file source exists, is a regular file and can be opened.
// Stream sources are always readable until consumed.
func (s *Source) CheckReadable() error {
	if s.IsStream() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.consumed {
			return ErrSourceConsumed
		}
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a media file", s.path)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	return f.Close()
}

// DecodeError reports a source that could not be opened or decoded at all.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
