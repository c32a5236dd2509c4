package server

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDetectType(t *testing.T) {
	resume := fileRule{Field: "resume", MaxBytes: 1 << 20, Allowed: resumeTypes}
	image := fileRule{Field: "profileImage", MaxBytes: 1 << 20, Allowed: imageTypes}

	tests := []struct {
		name     string
		rule     fileRule
		filename string
		head     []byte
		wantType string
		wantExt  string
		wantErr  bool
	}{
		{"pdf", resume, "cv.pdf", pdfBytes(), "application/pdf", ".pdf", false},
		{"pdf without extension", resume, "cv", pdfBytes(), "application/pdf", ".pdf", false},
		{"pdf with unknown extension", resume, "cv.zzz", pdfBytes(), "application/pdf", ".pdf", false},
		{"pdf named txt", resume, "cv.txt", pdfBytes(), "", "", true},
		{"text as pdf", resume, "cv.pdf", []byte("hello"), "", "", true},
		{"png", image, "a.png", pngBytes(), "image/png", ".png", false},
		{"jpeg named png", image, "a.png", jpegBytes(), "image/jpeg", ".jpg", false},
		{"gif", image, "a.gif", []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"), "image/gif", ".gif", false},
		{"pdf as image", image, "a.png", pdfBytes(), "", "", true},
		{"dangerous extension", image, "a.exe", pngBytes(), "", "", true},
		{"uppercase dangerous extension", image, "a.HTML", pngBytes(), "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, ext, err := detectType(tt.rule, tt.filename, tt.head)
			if tt.wantErr {
				var ute *unsupportedTypeError
				if !errors.As(err, &ute) {
					t.Fatalf("detectType() error = %v, want unsupportedTypeError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("detectType() unexpected error: %v", err)
			}
			if ct != tt.wantType || ext != tt.wantExt {
				t.Errorf("detectType() = (%q, %q), want (%q, %q)", ct, ext, tt.wantType, tt.wantExt)
			}
		})
	}
}

func TestIsMimeTypeCompatible(t *testing.T) {
	tests := []struct {
		expected string
		actual   string
		want     bool
	}{
		{"image/png", "image/png", true},
		{"image/png", "image/jpeg", true},
		{"application/pdf", "application/pdf", true},
		{"application/zip", "application/pdf", false},
		{"text/plain", "application/pdf", false},
		{"invalid", "image/png", false},
	}
	for _, tt := range tests {
		if got := isMimeTypeCompatible(tt.expected, tt.actual); got != tt.want {
			t.Errorf("isMimeTypeCompatible(%q, %q) = %v, want %v", tt.expected, tt.actual, got, tt.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"normal", "evaluation.png", "evaluation.png"},
		{"path traversal", "../../etc/passwd", "_.._etc_passwd"},
		{"windows path", `C:\Users\me\cv.pdf`, "C:_Users_me_cv.pdf"},
		{"null byte", "cv\x00.pdf", "cv.pdf"},
		{"control chars", "cv\r\n.pdf", "cv.pdf"},
		{"leading dots", "...hidden", "hidden"},
		{"trailing spaces and dots", "cv.pdf. . ", "cv.pdf"},
		{"empty", "", "unnamed"},
		{"only dots", "...", "unnamed"},
		{"unicode", "évaluation 2024.png", "évaluation 2024.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.input); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameLength(t *testing.T) {
	long := strings.Repeat("é", 200) + ".png"
	got := SanitizeFilename(long)
	if len(got) > 255 {
		t.Fatalf("len = %d, want <= 255", len(got))
	}
	if !strings.HasSuffix(got, ".png") {
		t.Errorf("extension lost: %q", got[len(got)-10:])
	}
	if !utf8.ValidString(got) {
		t.Error("result is not valid UTF-8")
	}
}
