package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SanitizeFilename strips any path components and characters that are unsafe
// in a download name. Empty results fall back to "download".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "download"
	}
	return out
}

// WriteDownload writes data into dir under the sanitized name, appending a
// numeric suffix (name_1.ext, name_2.ext, ...) when the name is taken.
// The file appears only once fully written.
func WriteDownload(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("filetransfer: create downloads dir: %w", err)
	}
	name = SanitizeFilename(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("filetransfer: write download: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("filetransfer: finalize download: %w", err)
	}
	return path, nil
}

// Chunk returns the byte range for chunk index i of data.
func Chunk(data []byte, i, chunkSize int) []byte {
	start := i * chunkSize
	if start >= len(data) {
		return nil
	}
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
