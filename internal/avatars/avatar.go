// Package avatars validates and caches the avatar images piggybacked on
// PROFILE frames.
package avatars

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxSize caps the decoded avatar at 20 KB.
const MaxSize = 20 * 1024

var (
	ErrTooLarge  = errors.New("avatars: image exceeds 20 KB")
	ErrBadMIME   = errors.New("avatars: unsupported image type")
	ErrBadMagic  = errors.New("avatars: image bytes do not match declared type")
	ErrBadFormat = errors.New("avatars: unsupported encoding")
)

// magic maps each accepted canonical MIME type to its file signatures.
var magic = map[string][][]byte{
	"image/png":  {{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	"image/jpeg": {{0xFF, 0xD8, 0xFF}},
	"image/gif":  {[]byte("GIF87a"), []byte("GIF89a")},
	"image/bmp":  {{'B', 'M'}},
	"image/webp": {[]byte("RIFF")},
}

// NormalizeMIME canonicalizes the declared type. "image/jpg" is accepted as
// an alias of image/jpeg.
func NormalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "image/jpg" {
		return "image/jpeg"
	}
	return mime
}

// Validate checks the declared MIME against the whitelist, the size cap, and
// the image's magic bytes. Returns the canonical MIME type.
func Validate(mime string, data []byte) (string, error) {
	mime = NormalizeMIME(mime)
	sigs, ok := magic[mime]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBadMIME, mime)
	}
	if len(data) > MaxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	for _, sig := range sigs {
		if bytes.HasPrefix(data, sig) {
			if mime == "image/webp" {
				// RIFF container: bytes 8..12 must read WEBP.
				if len(data) < 12 || string(data[8:12]) != "WEBP" {
					continue
				}
			}
			return mime, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBadMagic, mime)
}

// MIMEFromPath guesses the avatar MIME type from the file extension.
func MIMEFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".webp":
		return "image/webp"
	}
	return ""
}

// LoadLocal reads and validates the local avatar file configured for this
// peer. A missing path yields (nil, "", nil): profiles simply go out bare.
func LoadLocal(path string) ([]byte, string, error) {
	if path == "" {
		return nil, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("avatars: read %s: %w", path, err)
	}
	mime, err := Validate(MIMEFromPath(path), data)
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}
