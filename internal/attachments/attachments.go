// Package attachments persists assistant-produced media to a
// content-addressed blob directory, so that identical bytes emitted
// across messages or sessions are stored exactly once.
package attachments

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// Store writes content-addressed blobs under a fixed directory and
// rewrites domain.Attachment values to reference them by path instead of
// carrying their bytes inline.
type Store struct {
	dir string
}

// New constructs a Store rooted at dir. The directory is created lazily
// on first Persist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Persist writes data under a name derived from sha256(data) and the
// extension implied by mimeType, returning the blob's absolute path.
// Persisting the same bytes twice returns the same path without
// rewriting the file (content-addressed, idempotent).
func (s *Store) Persist(data []byte, mimeType string) (string, error) {
	if s.dir == "" {
		return "", gatewayerr.New(gatewayerr.Invalid, "no attachments directory configured")
	}
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + extensionFor(mimeType)
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", gatewayerr.Wrap(gatewayerr.Internal, "stat attachment blob", err)
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Internal, "create attachments directory", err)
	}

	tmp := path + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Internal, "write attachment blob", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", gatewayerr.Wrap(gatewayerr.Internal, "finalize attachment blob", err)
	}
	return path, nil
}

// RewriteAssistant persists every assistant-produced image attachment in
// atts that carries inline data, replacing its DataURL with Path+Size and
// setting MimeType to the type named in the data URL. Non-image attachments
// and attachments that only carry a remote URL pass through unchanged.
func (s *Store) RewriteAssistant(atts []domain.Attachment) []domain.Attachment {
	if len(atts) == 0 {
		return atts
	}
	out := make([]domain.Attachment, len(atts))
	for i, a := range atts {
		out[i] = s.rewriteOne(a)
	}
	return out
}

func (s *Store) rewriteOne(a domain.Attachment) domain.Attachment {
	if a.Kind != domain.AttachmentImage || a.DataURL == "" {
		return a
	}
	data, mimeType, err := decodeDataURL(a.DataURL)
	if err != nil {
		return a
	}
	path, err := s.Persist(data, mimeType)
	if err != nil {
		return a
	}
	a.Path = path
	a.MimeType = mimeType
	a.Size = int64(len(data))
	a.DataURL = ""
	return a
}

// decodeDataURL parses a "data:<mime>;base64,<payload>" string. Remote
// URLs (http/https) are rejected since they are never blobbed.
func decodeDataURL(s string) ([]byte, string, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, "", fmt.Errorf("not a data URL")
	}
	rest := strings.TrimPrefix(s, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	mimeType := strings.TrimSuffix(meta, ";base64")
	if mimeType == meta {
		return nil, "", fmt.Errorf("data URL is not base64-encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 data URL: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}

func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		switch mimeType {
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/webp":
			return ".webp"
		case "image/gif":
			return ".gif"
		default:
			return ".bin"
		}
	}
	return exts[0]
}
