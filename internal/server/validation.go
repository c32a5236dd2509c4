// validation.go - Upload type rules and filename sanitization.
package server

import (
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of each upload is read to detect its type.
const sniffLen = 3072

// fileRule describes one kind of upload.
type fileRule struct {
	Kind     string // catalog kind
	Field    string // multipart form field
	MaxBytes int64
	// Allowed maps accepted MIME types to the extension used for storage.
	Allowed map[string]string
}

var resumeTypes = map[string]string{
	"application/pdf": ".pdf",
}

var imageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// dangerousExtensions are rejected whatever the content looks like.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
	".scr": true, ".vbs": true, ".jar": true, ".app": true, ".msi": true,
	".dll": true, ".so": true, ".dylib": true, ".sh": true, ".ps1": true,
	".html": true, ".htm": true, ".svg": true, ".js": true,
}

type unsupportedTypeError struct {
	msg string
}

func (e *unsupportedTypeError) Error() string { return e.msg }

// detectType sniffs head and checks it, and the client filename, against
// rule. It returns the canonical MIME type and storage extension.
func detectType(rule fileRule, filename string, head []byte) (contentType, ext string, err error) {
	nameExt := strings.ToLower(filepath.Ext(filename))
	if dangerousExtensions[nameExt] {
		return "", "", &unsupportedTypeError{fmt.Sprintf("file type not allowed: %s", nameExt)}
	}

	detected := mimetype.Detect(head)
	// Walk up so subtypes such as APNG match their parent format.
	for m := detected; m != nil && contentType == ""; m = m.Parent() {
		for mt, e := range rule.Allowed {
			if m.Is(mt) {
				contentType, ext = mt, e
				break
			}
		}
	}
	if contentType == "" {
		return "", "", &unsupportedTypeError{fmt.Sprintf("%s uploads must be %s (got %s)",
			rule.Field, allowedList(rule.Allowed), detected.String())}
	}

	// The extension, when known, must agree with the content at least on
	// the major type, so "resume.png" holding a PDF is refused.
	if nameExt != "" {
		if byExt := mime.TypeByExtension(nameExt); byExt != "" {
			byExt, _, _ = strings.Cut(byExt, ";")
			if !isMimeTypeCompatible(strings.TrimSpace(byExt), contentType) {
				return "", "", &unsupportedTypeError{fmt.Sprintf("MIME type mismatch: extension suggests %s but content is %s", byExt, contentType)}
			}
		}
	}
	return contentType, ext, nil
}

func allowedList(m map[string]string) string {
	out := make([]string, 0, len(m))
	for mt := range m {
		out = append(out, mt)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// isMimeTypeCompatible reports whether two MIME types share a major type,
// or are identical for application/*.
func isMimeTypeCompatible(expected, actual string) bool {
	if expected == actual {
		return true
	}
	expMajor, _, ok1 := strings.Cut(expected, "/")
	actMajor, _, ok2 := strings.Cut(actual, "/")
	if !ok1 || !ok2 || expMajor == "application" {
		return false
	}
	return expMajor == actMajor
}

// SanitizeFilename removes path separators, NUL bytes and leading or
// trailing dots and spaces, and caps the length at 255 bytes.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	filename = strings.Trim(filename, " .")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		// ToValidUTF8 drops a rune cut in half by the slice.
		filename = strings.ToValidUTF8(filename[:255-len(ext)], "") + ext
	}

	if filename == "" {
		filename = "unnamed"
	}
	return filename
}
