package middleware

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".map":   "application/json; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".wasm":  "application/wasm",
}

type staticEntry struct {
	body        []byte
	modTime     time.Time
	contentType string
}

// Static serves the public UI directory. Files are cached in memory and
// re-read when the file's mtime changes.
type Static struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*staticEntry
}

func NewStatic(dir string) *Static {
	return &Static{dir: dir, cache: make(map[string]*staticEntry)}
}

// safeStaticPath rejects traversal and hidden files: "..", "//" and
// dot-prefixed segments never resolve.
func safeStaticPath(p string) bool {
	if strings.Contains(p, "..") || strings.Contains(p, "//") {
		return false
	}
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if strings.HasPrefix(seg, ".") {
			return false
		}
	}
	return true
}

func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}

	p := r.URL.Path
	if p == "/" {
		p = "/index.html"
	}
	if !safeStaticPath(p) {
		http.NotFound(w, r)
		return
	}

	entry, err := s.load(p)
	if err != nil {
		// Extension-less paths are client-side routes; hand them the shell.
		if filepath.Ext(p) == "" {
			if entry, err = s.load("/index.html"); err != nil {
				http.NotFound(w, r)
				return
			}
			p = "/index.html"
		} else {
			http.NotFound(w, r)
			return
		}
	}

	w.Header().Set("Content-Type", entry.contentType)
	w.Header().Set("Cache-Control", cacheControlFor(p))
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.body)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(entry.body)
}

func cacheControlFor(p string) string {
	if strings.HasPrefix(p, "/vendor/") {
		return "public, max-age=31536000, immutable"
	}
	return "must-revalidate, max-age=0"
}

func (s *Static) load(p string) (*staticEntry, error) {
	full := filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(p, "/")))
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, os.ErrNotExist
	}

	s.mu.RLock()
	entry, ok := s.cache[p]
	s.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry, nil
	}

	body, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(full))]
	if !ok {
		contentType = "application/octet-stream"
	}
	entry = &staticEntry{body: body, modTime: info.ModTime(), contentType: contentType}

	s.mu.Lock()
	s.cache[p] = entry
	s.mu.Unlock()
	return entry, nil
}
