package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"portfolio-api/internal/storage"
)

func TestUploadResume(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, uploadRequest(t, "/api/upload/resume", part{"resume", "My CV.pdf", pdfBytes()}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	file := decode(t, rr)["file"].(map[string]any)
	require.Equal(t, "resume.pdf", file["name"])
	require.Equal(t, "My CV.pdf", file["original_name"])
	require.Equal(t, "/api/resume", file["url"])
	require.Equal(t, "application/pdf", file["content_type"])
	require.EqualValues(t, len(pdfBytes()), file["size"])
	require.Len(t, file["sha256"], 64)

	obj, err := env.store.Stat(context.Background(), resumeKey)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", obj.ContentType)
	require.Equal(t, []string{resumeKey}, env.catalog.keys())
}

func TestUploadRejectsWrongType(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		path string
		p    part
	}{
		{"text as resume", "/api/upload/resume", part{"resume", "cv.pdf", []byte("just some plain text, not a pdf")}},
		{"png as resume", "/api/upload/resume", part{"resume", "cv.png", pngBytes()}},
		{"pdf as profile", "/api/upload/profile-image", part{"profileImage", "me.pdf", pdfBytes()}},
		{"pdf renamed to txt", "/api/upload/resume", part{"resume", "cv.txt", pdfBytes()}},
		{"executable extension", "/api/upload/evaluations", part{"evaluations", "eval.exe", pngBytes()}},
		{"svg image", "/api/upload/profile-image", part{"profileImage", "me.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, uploadRequest(t, tc.path, tc.p))
			require.Equal(t, http.StatusUnsupportedMediaType, rr.Code, rr.Body.String())
			require.NotEmpty(t, decode(t, rr)["error"])
		})
	}

	objs, err := env.store.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestUploadImageExtensionMayDifferWithinImages(t *testing.T) {
	env := newTestEnv(t)

	// Content wins: a JPEG named .png is stored as .jpg.
	rr := env.do(t, uploadRequest(t, "/api/upload/profile-image", part{"profileImage", "me.png", jpegBytes()}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	file := decode(t, rr)["file"].(map[string]any)
	require.Equal(t, "profile.jpg", file["name"])
	require.Equal(t, "image/jpeg", file["content_type"])
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	big := append(pngBytes(), bytes.Repeat([]byte{1}, 40<<10)...)
	rr := env.do(t, uploadRequest(t, "/api/upload/profile-image", part{"profileImage", "me.png", big}))
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	require.Contains(t, decode(t, rr)["error"], "32 KiB")

	_, err := env.srv.findProfile(context.Background())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, env.catalog.keys())
}

func TestUploadExactlyAtLimit(t *testing.T) {
	env := newTestEnv(t)

	data := pngBytes()
	data = append(data, bytes.Repeat([]byte{1}, 32<<10-len(data))...)
	rr := env.do(t, uploadRequest(t, "/api/upload/profile-image", part{"profileImage", "me.png", data}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestUploadRequestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Upload.MaxRequestBytes = 4 << 10 })

	data := append(pdfBytes(), bytes.Repeat([]byte{' '}, 8<<10)...)
	rr := env.do(t, uploadRequest(t, "/api/upload/resume", part{"resume", "cv.pdf", data}))
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())

	_, err := env.store.Stat(context.Background(), resumeKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadTruncatedBody(t *testing.T) {
	env := newTestEnv(t)

	data := append(pdfBytes(), bytes.Repeat([]byte{' '}, 8<<10)...)
	body, ct := multipartBody(t, part{"resume", "cv.pdf", data})
	cut := body.Bytes()[:body.Len()-200]

	req := httptest.NewRequest(http.MethodPost, "/api/upload/resume", bytes.NewReader(cut))
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", bearer(t))
	rr := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	require.Equal(t, "multipart body ended unexpectedly", decode(t, rr)["error"])

	_, err := env.store.Stat(context.Background(), resumeKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, env.catalog.keys())
}

func TestUploadLimitMessages(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Upload.ResumeMaxBytes = 10 << 20
		c.Upload.ImageMaxBytes = 5 << 20
	})
	cases := []struct {
		rule fileRule
		want string
	}{
		{env.srv.resumeRule(), "file exceeds the 10 MiB limit"},
		{env.srv.profileRule(), "file exceeds the 5.0 MiB limit"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/upload/resume", nil)
		env.srv.writeUploadError(rr, req, tc.rule, 1, errFileTooLarge)
		require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		require.Equal(t, tc.want, decode(t, rr)["error"])
	}
}

func TestUploadBadRequests(t *testing.T) {
	env := newTestEnv(t)

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/upload/resume", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", bearer(t))
		rr := env.do(t, req)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("wrong field", func(t *testing.T) {
		rr := env.do(t, uploadRequest(t, "/api/upload/resume", part{"file", "cv.pdf", pdfBytes()}))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Contains(t, decode(t, rr)["error"], `"resume"`)
	})

	t.Run("empty file", func(t *testing.T) {
		rr := env.do(t, uploadRequest(t, "/api/upload/resume", part{"resume", "cv.pdf", nil}))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Equal(t, "uploaded file is empty", decode(t, rr)["error"])
	})

	t.Run("two resumes", func(t *testing.T) {
		rr := env.do(t, uploadRequest(t, "/api/upload/resume",
			part{"resume", "a.pdf", pdfBytes()},
			part{"resume", "b.pdf", pdfBytes()}))
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestUploadEvaluations(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, uploadRequest(t, "/api/upload/evaluations",
		part{"evaluations", "2023 eval.png", pngBytes()},
		part{"evaluations", "2024 eval.jpg", jpegBytes()}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decode(t, rr)
	require.EqualValues(t, 2, body["count"])
	files := body["files"].([]any)
	first := files[0].(map[string]any)
	require.Equal(t, "2023 eval.png", first["original_name"])
	require.True(t, strings.HasSuffix(first["name"].(string), ".png"))
	require.Equal(t, "/api/evaluations/"+first["name"].(string), first["url"])

	objs, err := env.store.List(context.Background(), evaluationsPrefix)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Len(t, env.catalog.keys(), 2)
}

func TestUploadEvaluationsIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)

	t.Run("too many files", func(t *testing.T) {
		rr := env.do(t, uploadRequest(t, "/api/upload/evaluations",
			part{"evaluations", "1.png", pngBytes()},
			part{"evaluations", "2.png", pngBytes()},
			part{"evaluations", "3.png", pngBytes()},
			part{"evaluations", "4.png", pngBytes()}))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Contains(t, decode(t, rr)["error"], "at most 3")
	})

	t.Run("bad second file", func(t *testing.T) {
		rr := env.do(t, uploadRequest(t, "/api/upload/evaluations",
			part{"evaluations", "1.png", pngBytes()},
			part{"evaluations", "2.pdf", pdfBytes()}))
		require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	})

	objs, err := env.store.List(context.Background(), evaluationsPrefix)
	require.NoError(t, err)
	require.Empty(t, objs)
	require.Empty(t, env.catalog.keys())
}

func TestCapReader(t *testing.T) {
	c := &capReader{r: strings.NewReader("hello world"), max: 5}
	got, err := io.ReadAll(c)
	require.ErrorIs(t, err, errFileTooLarge)
	require.True(t, c.exceeded)
	require.LessOrEqual(t, len(got), 6)

	c = &capReader{r: strings.NewReader("hello"), max: 5}
	got, err = io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.False(t, c.exceeded)
}

func TestWriteUploadErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	rule := env.srv.resumeRule()

	cases := []struct {
		err  error
		want int
	}{
		{errBadMultipart, http.StatusBadRequest},
		{errTruncatedBody, http.StatusBadRequest},
		{errMissingFile, http.StatusBadRequest},
		{errTooManyFiles, http.StatusBadRequest},
		{errEmptyFile, http.StatusBadRequest},
		{errFileTooLarge, http.StatusRequestEntityTooLarge},
		{errRequestTooLarge, http.StatusRequestEntityTooLarge},
		{&unsupportedTypeError{"nope"}, http.StatusUnsupportedMediaType},
		{storage.ErrCircuitOpen, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/upload/resume", nil)
		env.srv.writeUploadError(rr, req, rule, 1, tc.err)
		require.Equal(t, tc.want, rr.Code, tc.err.Error())
	}
}
