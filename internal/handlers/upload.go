package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/logutil"
	"github.com/katulong/katulong/internal/middleware"
)

// UploadsDir is set from main.go during startup.
var UploadsDir string

var uploadNameRe = regexp.MustCompile(`^[0-9a-f-]{36}\.(png|jpg|gif|webp)$`)

// detectImageExt sniffs the upload's magic bytes. Only image formats
// the UI can render are accepted; everything else is rejected.
func detectImageExt(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}

// Upload stores an image under a fresh UUID filename. The response
// path is relative; the filesystem location is exposed only to
// localhost callers.
func Upload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	ext := detectImageExt(data)
	if ext == "" {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	if err := os.MkdirAll(UploadsDir, 0o700); err != nil {
		writeServiceError(w, err)
		return
	}

	name := uuid.NewString() + "." + ext
	full := filepath.Join(UploadsDir, name)

	tmp, err := os.CreateTemp(UploadsDir, ".upload-*")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeServiceError(w, err)
		return
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeServiceError(w, err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		writeServiceError(w, err)
		return
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		writeServiceError(w, err)
		return
	}

	resp := map[string]interface{}{"path": "/uploads/" + name}
	if original := r.Header.Get("X-Filename"); original != "" {
		resp["filename"] = logutil.SanitizeForLog(filepath.Base(original))
	}
	if middleware.GetTier(r) == access.TierLocalhost {
		resp["absolutePath"] = full
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeUpload returns a previously uploaded file. The strict name
// pattern doubles as the traversal guard.
func ServeUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !uploadNameRe.MatchString(name) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, filepath.Join(UploadsDir, name))
}
