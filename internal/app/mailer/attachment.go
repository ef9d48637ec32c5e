package mailer

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

// Suffixes of compressed files, including short forms like ".tgz" for ".tar.gz".
// Type of such file can not be told by its name alone, so they are sent as binary.
var encodingSuffixes = map[string]struct{}{
	".gz":   {},
	".bz2":  {},
	".xz":   {},
	".z":    {},
	".br":   {},
	".zst":  {},
	".tgz":  {},
	".taz":  {},
	".tz":   {},
	".svgz": {},
	".tbz2": {},
	".txz":  {},
}

// detectContentType guesses media type by file name, falling back to
// application/octet-stream when it is unknown or ambiguous.
func detectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return octetStream
	}
	if _, ok := encodingSuffixes[ext]; ok {
		return octetStream
	}

	mediaType, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil || !strings.Contains(mediaType, "/") {
		return octetStream
	}

	return mediaType
}

// readAttachments reads all files, checking that their total size doesn't exceed limit.
// A non-positive limit means no limit.
func readAttachments(paths []string, limit int64) ([]Part, error) {
	parts := make([]Part, 0, len(paths))

	var total int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, &AttachmentError{Path: path, Err: err}
		}
		if info.IsDir() {
			return nil, &AttachmentError{Path: path, Err: errIsDirectory}
		}

		total += info.Size()
		if limit > 0 && total > limit {
			return nil, &AttachmentError{Path: path, Err: ErrAttachmentTooLarge}
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, &AttachmentError{Path: path, Err: err}
		}

		name := filepath.Base(path)
		parts = append(parts, Part{
			Kind:        PartAttachment,
			ContentType: detectContentType(name),
			Filename:    name,
			Content:     content,
		})
	}

	return parts, nil
}
