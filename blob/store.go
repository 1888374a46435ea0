package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound        = errors.New("blob: not found")
	ErrTooLarge        = errors.New("blob: upload exceeds size limit")
	ErrUnsupportedType = errors.New("blob: unsupported content type")
	ErrEmpty           = errors.New("blob: empty upload")
)

var storedNamePattern = regexp.MustCompile(`^[0-9a-f]{32}(\.[a-z0-9]{1,8})?$`)

// Object describes stored content.
type Object struct {
	StoredName string
	PublicURL  string
	Mimetype   string
	Size       int64
}

// Constraints bound what ReceiveUpload accepts.
type Constraints struct {
	ContentType string
	MaxBytes    int64
}

// FSStore keeps blobs as flat files named by the BLAKE3 digest of their
// content. Storing identical bytes twice yields the same name.
type FSStore struct {
	dir     string
	baseURL string
}

func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("blob: storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create storage dir: %w", err)
	}
	return &FSStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// PublicURL is where GET /files serves name.
func (s *FSStore) PublicURL(name string) string {
	return s.baseURL + "/files/" + name
}

// Store writes content and returns its content-addressed name.
func (s *FSStore) Store(ctx context.Context, content io.Reader, suggestedName, mimetype string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("blob: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	if err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("blob: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("blob: close: %w", err)
	}

	name := hex.EncodeToString(hasher.Sum(nil)[:16]) + extension(suggestedName, mimetype)
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return Object{}, fmt.Errorf("blob: commit %s: %w", name, err)
	}

	return Object{
		StoredName: name,
		PublicURL:  s.PublicURL(name),
		Mimetype:   mimetype,
		Size:       n,
	}, nil
}

// ReceiveUpload stores a client upload after checking the declared content
// type, the sniffed content and the size limit.
func (s *FSStore) ReceiveUpload(ctx context.Context, content io.Reader, filename, declaredType string, c Constraints) (Object, error) {
	if c.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(declaredType)
		if err != nil || mediaType != c.ContentType {
			return Object{}, fmt.Errorf("%w: %q", ErrUnsupportedType, declaredType)
		}
	}

	limit := c.MaxBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(io.LimitReader(content, limit+1))
	if err != nil {
		return Object{}, fmt.Errorf("blob: read upload: %w", err)
	}
	if len(body) == 0 {
		return Object{}, ErrEmpty
	}
	if int64(len(body)) > limit {
		return Object{}, ErrTooLarge
	}
	if c.ContentType != "" {
		sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(body))
		if sniffed != c.ContentType {
			return Object{}, fmt.Errorf("%w: content looks like %s", ErrUnsupportedType, sniffed)
		}
	}

	mediaType := c.ContentType
	if mediaType == "" {
		mediaType = declaredType
	}
	return s.Store(ctx, bytes.NewReader(body), filename, mediaType)
}

// Open returns a reader for a stored blob. Names that could not have been
// produced by Store are reported as not found.
func (s *FSStore) Open(name string) (*os.File, error) {
	if !storedNamePattern.MatchString(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open %s: %w", name, err)
	}
	return f, nil
}

func extension(suggestedName, mimetype string) string {
	ext := strings.ToLower(filepath.Ext(suggestedName))
	if ext != "" && storedNamePattern.MatchString(strings.Repeat("0", 32)+ext) {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(mimetype); err == nil {
		switch mediaType {
		case "application/pdf":
			return ".pdf"
		case "text/html":
			return ".html"
		}
	}
	return ""
}
