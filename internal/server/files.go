package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portfolio-api/internal/db"
	"portfolio-api/internal/storage"
)

const (
	resumeKey         = "resume/resume.pdf"
	profilePrefix     = "profile/"
	evaluationsPrefix = "evaluations/"
)

// Catalog records uploads in a database. It is optional: storage is the
// source of truth and the catalog only adds original filenames.
type Catalog interface {
	Record(ctx context.Context, u db.Upload) (db.Upload, error)
	Get(ctx context.Context, objectKey string) (db.Upload, error)
	DeleteByKey(ctx context.Context, objectKey string) error
	List(ctx context.Context, kind string) ([]db.Upload, error)
	Ping(ctx context.Context) error
}

// fileInfo is the JSON view of a stored file.
type fileInfo struct {
	Name         string    `json:"name"`
	OriginalName string    `json:"original_name,omitempty"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	SHA256       string    `json:"sha256,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

func newFileInfo(obj storage.Object, url, origName string) fileInfo {
	return fileInfo{
		Name:         path.Base(obj.Key),
		OriginalName: origName,
		URL:          url,
		Size:         obj.Size,
		ContentType:  obj.ContentType,
		SHA256:       obj.SHA256,
		UploadedAt:   obj.ModTime,
	}
}

func (s *Server) resumeRule() fileRule {
	return fileRule{Kind: db.KindResume, Field: "resume", MaxBytes: s.upload.ResumeMaxBytes, Allowed: resumeTypes}
}

func (s *Server) profileRule() fileRule {
	return fileRule{Kind: db.KindProfile, Field: "profileImage", MaxBytes: s.upload.ImageMaxBytes, Allowed: imageTypes}
}

func (s *Server) evaluationRule() fileRule {
	return fileRule{Kind: db.KindEvaluation, Field: "evaluations", MaxBytes: s.upload.ImageMaxBytes, Allowed: imageTypes}
}

// storeFile streams f to key and records it in the catalog.
func (s *Server) storeFile(ctx context.Context, rule fileRule, key string, f *incomingFile) (storage.Object, error) {
	obj, err := s.store.Put(ctx, key, f.Body, -1, f.ContentType)
	s.metrics.recordUpload(rule.Kind, obj.Size, err)
	if err != nil {
		return storage.Object{}, err
	}

	if s.catalog != nil {
		u := db.Upload{
			Kind:        rule.Kind,
			ObjectKey:   key,
			OrigName:    f.OrigName,
			ContentType: obj.ContentType,
			SizeBytes:   obj.Size,
			SHA256Hex:   obj.SHA256,
			StorageMode: s.store.Mode(),
		}
		if _, err := s.catalog.Record(ctx, u); err != nil {
			s.log.Warn("catalog_record_failed", zap.String("key", key), zap.Error(err))
		}
	}

	s.log.Info("file_uploaded",
		zap.String("rid", RequestIDFromContext(ctx)),
		zap.String("kind", rule.Kind),
		zap.String("key", key),
		zap.String("orig_name", f.OrigName),
		zap.String("content_type", obj.ContentType),
		zap.Int64("size", obj.Size))
	return obj, nil
}

// removeFile deletes key from storage and the catalog.
func (s *Server) removeFile(ctx context.Context, kind, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.metrics.deletes.WithLabelValues(kind).Inc()
	s.forget(ctx, key)
	s.log.Info("file_deleted",
		zap.String("rid", RequestIDFromContext(ctx)),
		zap.String("kind", kind),
		zap.String("key", key))
	return nil
}

func (s *Server) forget(ctx context.Context, key string) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.DeleteByKey(ctx, key); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.log.Warn("catalog_delete_failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Server) handleUploadResume(w http.ResponseWriter, r *http.Request) {
	rule := s.resumeRule()
	var stored storage.Object
	var origName string
	_, err := s.eachFile(w, r, rule, 1, func(f *incomingFile) error {
		obj, err := s.storeFile(r.Context(), rule, resumeKey, f)
		stored, origName = obj, f.OrigName
		return err
	})
	if err != nil {
		s.writeUploadError(w, r, rule, 1, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "resume uploaded",
		"file":    newFileInfo(stored, "/api/resume", origName),
	})
}

func (s *Server) handleUploadProfileImage(w http.ResponseWriter, r *http.Request) {
	rule := s.profileRule()
	var stored storage.Object
	var origName string
	_, err := s.eachFile(w, r, rule, 1, func(f *incomingFile) error {
		obj, err := s.storeFile(r.Context(), rule, profilePrefix+"profile"+f.Ext, f)
		stored, origName = obj, f.OrigName
		return err
	})
	if err != nil {
		s.writeUploadError(w, r, rule, 1, err)
		return
	}

	// A new image with a different extension leaves the old one behind.
	olds, err := s.store.List(r.Context(), profilePrefix)
	if err != nil {
		s.log.Warn("profile_cleanup_failed", zap.Error(err))
	}
	for _, old := range olds {
		if old.Key == stored.Key {
			continue
		}
		if err := s.removeFile(r.Context(), db.KindProfile, old.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("profile_cleanup_failed", zap.String("key", old.Key), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "profile image uploaded",
		"file":    newFileInfo(stored, "/api/profile-image", origName),
	})
}

// handleUploadEvaluations stores every part or none: when one part fails
// the parts already stored by this request are removed again.
func (s *Server) handleUploadEvaluations(w http.ResponseWriter, r *http.Request) {
	rule := s.evaluationRule()
	maxFiles := s.upload.MaxEvaluationFiles
	var files []fileInfo
	_, err := s.eachFile(w, r, rule, maxFiles, func(f *incomingFile) error {
		key := evaluationsPrefix + uuid.NewString() + f.Ext
		obj, err := s.storeFile(r.Context(), rule, key, f)
		if err != nil {
			return err
		}
		files = append(files, newFileInfo(obj, "/api/evaluations/"+path.Base(key), f.OrigName))
		return nil
	})
	if err != nil {
		// The request context may be canceled; cleanup must still run.
		ctx := context.WithoutCancel(r.Context())
		for _, fi := range files {
			key := evaluationsPrefix + fi.Name
			if derr := s.store.Delete(ctx, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				s.log.Warn("evaluation_rollback_failed", zap.String("key", key), zap.Error(derr))
			}
			s.forget(ctx, key)
		}
		s.writeUploadError(w, r, rule, maxFiles, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "evaluations uploaded",
		"files":   files,
		"count":   len(files),
	})
}

func (s *Server) handleGetResume(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, resumeKey, "resume.pdf")
}

func (s *Server) handleGetProfileImage(w http.ResponseWriter, r *http.Request) {
	obj, err := s.findProfile(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "get", err)
		return
	}
	s.serveObject(w, r, obj.Key, path.Base(obj.Key))
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	key, ok := evaluationKey(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	name := path.Base(key)
	if s.catalog != nil {
		if u, err := s.catalog.Get(r.Context(), key); err == nil && u.OrigName != "" {
			name = u.OrigName
		}
	}
	s.serveObject(w, r, key, name)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	objs, err := s.store.List(r.Context(), evaluationsPrefix)
	if err != nil {
		s.writeStoreError(w, r, "list", err)
		return
	}

	names := map[string]string{}
	if s.catalog != nil {
		rows, err := s.catalog.List(r.Context(), db.KindEvaluation)
		if err != nil {
			s.log.Warn("catalog_list_failed", zap.Error(err))
		}
		for _, u := range rows {
			names[u.ObjectKey] = u.OrigName
		}
	}

	items := make([]fileInfo, 0, len(objs))
	for _, obj := range objs {
		items = append(items, newFileInfo(obj, "/api/evaluations/"+path.Base(obj.Key), names[obj.Key]))
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UploadedAt.Equal(items[j].UploadedAt) {
			return items[i].UploadedAt.After(items[j].UploadedAt)
		}
		return items[i].Name < items[j].Name
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": items,
		"count":       len(items),
	})
}

func (s *Server) handleFilesStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resume := true
	if _, err := s.store.Stat(ctx, resumeKey); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.writeStoreError(w, r, "stat", err)
			return
		}
		resume = false
	}

	profile := true
	if _, err := s.findProfile(ctx); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.writeStoreError(w, r, "list", err)
			return
		}
		profile = false
	}

	evals, err := s.store.List(ctx, evaluationsPrefix)
	if err != nil {
		s.writeStoreError(w, r, "list", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resume":        resume,
		"profile_image": profile,
		"evaluations":   len(evals),
		"storage_mode":  s.store.Mode(),
	})
}

func (s *Server) handleDeleteResume(w http.ResponseWriter, r *http.Request) {
	if err := s.removeFile(r.Context(), db.KindResume, resumeKey); err != nil {
		s.writeStoreError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "resume deleted"})
}

func (s *Server) handleDeleteProfileImage(w http.ResponseWriter, r *http.Request) {
	objs, err := s.store.List(r.Context(), profilePrefix)
	if err != nil {
		s.writeStoreError(w, r, "list", err)
		return
	}
	if len(objs) == 0 {
		s.writeStoreError(w, r, "delete", storage.ErrNotFound)
		return
	}
	for _, obj := range objs {
		if err := s.removeFile(r.Context(), db.KindProfile, obj.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.writeStoreError(w, r, "delete", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "profile image deleted"})
}

func (s *Server) handleDeleteEvaluation(w http.ResponseWriter, r *http.Request) {
	key, ok := evaluationKey(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if err := s.removeFile(r.Context(), db.KindEvaluation, key); err != nil {
		s.writeStoreError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "evaluation deleted"})
}

// findProfile returns the newest object under profile/.
func (s *Server) findProfile(ctx context.Context) (storage.Object, error) {
	objs, err := s.store.List(ctx, profilePrefix)
	if err != nil {
		return storage.Object{}, err
	}
	if len(objs) == 0 {
		return storage.Object{}, storage.ErrNotFound
	}
	newest := objs[0]
	for _, o := range objs[1:] {
		if o.ModTime.After(newest.ModTime) {
			newest = o
		}
	}
	return newest, nil
}

// evaluationKey maps a URL name to its object key. Names are a single
// path segment.
func evaluationKey(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", false
	}
	key := evaluationsPrefix + name
	if storage.ValidKey(key) != nil {
		return "", false
	}
	return key, true
}

// serveObject streams key inline. Stored files may be embedded by the
// frontend, so the framing and CSP headers set for the API are dropped.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, key, filename string) {
	rc, obj, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, r, "get", err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Del("X-Frame-Options")
	h.Del("Content-Security-Policy")
	h.Set("Content-Type", obj.ContentType)
	h.Set("Cache-Control", "public, max-age=300")
	if obj.SHA256 != "" {
		h.Set("ETag", `"`+obj.SHA256+`"`)
	}
	if cd := mime.FormatMediaType("inline", map[string]string{"filename": filename}); cd != "" {
		h.Set("Content-Disposition", cd)
	} else {
		h.Set("Content-Disposition", "inline")
	}

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, filename, obj.ModTime, rs)
		return
	}
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream_failed", zap.String("key", key), zap.Error(err))
	}
}
