package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const maxFilenameLength = 200

var (
	invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatedUnderscores  = regexp.MustCompile(`_{2,}`)
)

// contentTypeExtensions maps the document media types we recognize to their
// canonical extension.
var contentTypeExtensions = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.ms-excel":                                                  "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.ms-powerpoint":                                             "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.oasis.opendocument.text":                                   "odt",
	"application/vnd.oasis.opendocument.spreadsheet":                            "ods",
	"application/rtf":      "rtf",
	"application/epub+zip": "epub",
	"application/zip":      "zip",
	"application/json":     "json",
	"application/xml":      "xml",
	"text/csv":             "csv",
	"text/plain":           "txt",
	"image/jpeg":           "jpg",
	"image/png":            "png",
	"image/gif":            "gif",
	"image/webp":           "webp",
	"image/svg+xml":        "svg",
	"audio/mpeg":           "mp3",
	"video/mp4":            "mp4",
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// ExtensionForContentType returns the extension (without dot) for a media
// type, or "" when none is known.
func ExtensionForContentType(contentType string) string {
	mt := mediaType(contentType)
	if mt == "" {
		return ""
	}
	if ext, ok := contentTypeExtensions[mt]; ok {
		return ext
	}
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return "html"
	}
	exts, err := mime.ExtensionsByType(mt)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.TrimPrefix(exts[0], ".")
}

// SanitizeFilename derives a filesystem-safe file name from a URL path. The
// query and fragment are ignored, an extension is inferred from contentType
// when the path has none, unsafe characters become underscores and the
// result is truncated while keeping its extension.
func SanitizeFilename(rawURL, contentType string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "index"
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" || ext == "." {
		ext = ""
		if inferred := ExtensionForContentType(contentType); inferred != "" {
			ext = "." + inferred
		}
	}

	stem = cleanFilenamePart(stem)
	ext = cleanFilenamePart(ext)
	if stem == "" || stem == "." {
		stem = "file"
	}
	if len(ext) > 16 {
		ext = ext[:16]
	}
	if limit := maxFilenameLength - len(ext); len(stem) > limit {
		stem = stem[:limit]
	}
	return stem + ext
}

func cleanFilenamePart(part string) string {
	part = invalidFilenameChars.ReplaceAllString(part, "_")
	part = repeatedUnderscores.ReplaceAllString(part, "_")
	return strings.Trim(part, "_")
}

// SanitizePathSegment cleans one directory component of a URL path.
func SanitizePathSegment(segment string) string {
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	cleaned := cleanFilenamePart(segment)
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "_"
	}
	if len(cleaned) > maxFilenameLength {
		cleaned = cleaned[:maxFilenameLength]
	}
	return cleaned
}

// ShortHash returns the first n hex digits of the SHA-1 of raw.
func ShortHash(raw string, n int) string {
	sum := sha1.Sum([]byte(raw))
	digest := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(digest) {
		return digest
	}
	return digest[:n]
}
