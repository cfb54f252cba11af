package normalize

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".png":      "image/png",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".gif":      "image/gif",
	".webp":     "image/webp",
	".bmp":      "image/bmp",
}

// DetectMIME guesses a content type from the file extension.
func DetectMIME(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

// OpenFile describes a file on disk without reading it.
func OpenFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name:     filepath.Base(path),
		MIMEType: DetectMIME(path),
		Size:     info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// PathPayload turns pasted text into a drop when every non-empty line names
// an existing file. Terminals paste dragged files that way.
func PathPayload(text string) (Payload, bool) {
	var files []File
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = unquotePath(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		f, err := OpenFile(line)
		if err != nil {
			return Payload{}, false
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return Payload{}, false
	}
	return Payload{Kind: Drop, Files: files}, true
}

func unquotePath(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	s = strings.TrimPrefix(s, "file://")
	return strings.ReplaceAll(s, `\ `, " ")
}
