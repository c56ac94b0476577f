package verify

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyUpload   = errors.New("uploaded file is empty")
	ErrExtension     = errors.New("file extension not allowed")
	ErrUploadTooBig  = errors.New("uploaded file too large")
	ErrMissingFields = errors.New("missing required fields")
)

// DefaultExtensions are the upload types accepted when none are configured.
var DefaultExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp", ".webp"}

// DefaultMaxUploadBytes is 16 MiB.
const DefaultMaxUploadBytes int64 = 16 << 20

// Upload is one photographed page as received from the client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Ext is the lowercased filename extension including the dot.
func (u Upload) Ext() string {
	return strings.ToLower(filepath.Ext(u.Filename))
}

type Limits struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// ValidateUpload is the boundary check run before an invocation starts.
func ValidateUpload(u Upload, lim Limits) error {
	if len(u.Data) == 0 {
		return ErrEmptyUpload
	}
	maxBytes := lim.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if int64(len(u.Data)) > maxBytes {
		return fmt.Errorf("%w: limit %dMB", ErrUploadTooBig, maxBytes/(1<<20))
	}
	if !ExtensionAllowed(u.Filename, lim.AllowedExtensions) {
		return fmt.Errorf("%w: %q", ErrExtension, filepath.Ext(u.Filename))
	}
	return nil
}

// ExtensionAllowed matches the filename extension case-insensitively. Entries
// may be given with or without the leading dot.
func ExtensionAllowed(filename string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == "." {
		return false
	}
	if len(allowed) == 0 {
		allowed = DefaultExtensions
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if !strings.HasPrefix(a, ".") {
			a = "." + a
		}
		if a == ext {
			return true
		}
	}
	return false
}
