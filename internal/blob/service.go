// Package blob stores uploaded files on the local filesystem. Files are
// keyed by generated blob IDs and sharded into per-kind directories; type
// sniffing and size limits are enforced on the way in.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/db"
)

// Kind determines where a blob is stored and which mime types it accepts.
type Kind string

const (
	KindAvatar         Kind = "avatar"
	KindServerImage    Kind = "server_image"
	KindChatAttachment Kind = "chat_attachment"
)

var (
	ErrFileTooLarge   = errors.New("blob file too large")
	ErrInvalidKind    = errors.New("invalid blob kind")
	ErrDisallowedType = errors.New("disallowed blob mime type")
	ErrExecutableFile = errors.New("executable files are not allowed")
	ErrInvalidPath    = errors.New("invalid blob path")
)

// StoredBlob describes a file that Save wrote to disk. StoragePath is
// relative to the service root and safe to persist.
type StoredBlob struct {
	ID           string
	Kind         Kind
	StoragePath  string
	MimeType     string
	SizeBytes    int64
	OriginalName string
	CreatedAt    time.Time
}

type Service struct {
	rootDir        string
	maxUploadBytes int64
}

func NewService(rootDir string, maxUploadBytes int64) (*Service, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if maxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be > 0")
	}

	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root directory: %w", err)
	}

	return &Service{
		rootDir:        rootDir,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

func (s *Service) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

// Save streams src into storage under the given kind. The first 512 bytes
// are sniffed for content checks before anything is written, so rejected
// uploads never touch disk.
func (s *Service) Save(_ context.Context, kind Kind, originalName string, src io.Reader) (*StoredBlob, error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}

	blobID, err := db.GenerateID("blb")
	if err != nil {
		return nil, fmt.Errorf("generating blob id: %w", err)
	}

	head, err := sniffHead(src)
	if err != nil {
		return nil, err
	}
	if looksExecutable(head) {
		return nil, ErrExecutableFile
	}
	mimeType := detectMimeType(head)
	if !mimeAllowedFor(kind, mimeType) {
		return nil, ErrDisallowedType
	}

	relPath := storageRelPath(kind, blobID)
	absPath, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	body := io.MultiReader(bytes.NewReader(head), src)
	written, err := writeAtomic(absPath, blobID+".tmp-*", body, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	return &StoredBlob{
		ID:           blobID,
		Kind:         kind,
		StoragePath:  relPath,
		MimeType:     mimeType,
		SizeBytes:    written,
		OriginalName: safeFileName(originalName),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Open returns the stored file for reading. Callers own the handle.
func (s *Service) Open(storagePath string) (*os.File, error) {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

// Write stores derived content, such as attachment previews, at an exact
// relative path. Unlike Save it applies no type or size checks.
func (s *Service) Write(storagePath string, src io.Reader) (int64, error) {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return 0, err
	}
	return writeAtomic(absPath, "blob-write-*.tmp", src, 0)
}

// Delete removes the stored file. A missing file is not an error since
// sweeps can race user-initiated deletes.
func (s *Service) Delete(storagePath string) error {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return err
	}

	if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob file: %w", err)
	}
	return nil
}

// resolve maps a stored relative path onto the root directory, rejecting
// anything that would escape it.
func (s *Service) resolve(storagePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(storagePath))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrInvalidPath
	}

	return filepath.Join(s.rootDir, clean), nil
}

// writeAtomic spools src into a temp file next to absPath and renames it
// into place, so readers never observe a partial write. A limit of 0 means
// unbounded; exceeding a positive limit returns ErrFileTooLarge with the
// temp file cleaned up.
func writeAtomic(absPath, tmpPattern string, src io.Reader, limit int64) (int64, error) {
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return 0, fmt.Errorf("creating temporary blob file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	reader := src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	written, err := io.Copy(tmp, reader)
	if err != nil {
		return 0, fmt.Errorf("writing blob file: %w", err)
	}
	if limit > 0 && written > limit {
		return 0, ErrFileTooLarge
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temporary blob file: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return 0, fmt.Errorf("finalizing blob file: %w", err)
	}
	return written, nil
}

// sniffHead reads up to the first 512 bytes of src, the window
// http.DetectContentType inspects.
func sniffHead(src io.Reader) ([]byte, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading blob data: %w", err)
	}
	return head[:n], nil
}

// storageRelPath shards blobs by the first two characters of their random
// ID so no single directory accumulates every upload of a kind.
func storageRelPath(kind Kind, blobID string) string {
	return filepath.ToSlash(filepath.Join(string(kind), shardPrefix(blobID), blobID))
}

// ChatAttachmentPreviewRelativePath is where the generated preview for a
// chat attachment blob lives, relative to the service root.
func ChatAttachmentPreviewRelativePath(blobID string) string {
	return filepath.ToSlash(filepath.Join("chat_attachment_preview", shardPrefix(blobID), blobID+".jpg"))
}

func shardPrefix(blobID string) string {
	random := strings.TrimPrefix(blobID, "blb_")
	if len(random) < 2 {
		return "xx"
	}
	return random[:2]
}

func safeFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload.bin"
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

func detectMimeType(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}

	mimeType := http.DetectContentType(head)
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	return strings.TrimSpace(mimeType)
}

var machOMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
	{0xbe, 0xba, 0xfe, 0xca},
	{0xca, 0xfe, 0xba, 0xbf},
	{0xbf, 0xba, 0xfe, 0xca},
}

func looksExecutable(head []byte) bool {
	if len(head) < 2 {
		return false
	}

	switch {
	case head[0] == 'M' && head[1] == 'Z':
		return true // PE/COFF
	case head[0] == '#' && head[1] == '!':
		return true // script shebang
	}

	if len(head) >= 4 {
		if bytes.Equal(head[:4], []byte{0x7f, 'E', 'L', 'F'}) {
			return true
		}
		for _, magic := range machOMagics {
			if bytes.Equal(head[:4], magic) {
				return true
			}
		}
	}

	return false
}

// scriptableMimeTypes are blocked for every kind: browsers may execute or
// render them as markup when served back.
var scriptableMimeTypes = map[string]struct{}{
	"image/svg+xml":               {},
	"text/html":                   {},
	"application/xhtml+xml":       {},
	"application/javascript":      {},
	"text/javascript":             {},
	"application/x-javascript":    {},
	"text/ecmascript":             {},
	"application/ecmascript":      {},
	"application/x-httpd-php":     {},
	"application/x-sh":            {},
	"application/x-msdownload":    {},
	"application/x-msdos-program": {},
}

func mimeAllowedFor(kind Kind, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return false
	}
	if _, blocked := scriptableMimeTypes[mimeType]; blocked {
		return false
	}

	switch kind {
	case KindAvatar, KindServerImage:
		return strings.HasPrefix(mimeType, "image/")
	case KindChatAttachment:
		return true
	default:
		return false
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindAvatar, KindServerImage, KindChatAttachment:
		return true
	}
	return false
}
