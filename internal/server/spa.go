package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// spaHandler serves a built single-page app. Unknown paths get index.html so client-side
// routes survive a reload.
type spaHandler struct {
	root  string
	index string
}

// newSPAHandler returns nil when dir has no index.html.
func newSPAHandler(dir string) http.Handler {
	if dir == "" {
		return nil
	}
	index := filepath.Join(dir, "index.html")
	if info, err := os.Stat(index); err != nil || info.IsDir() {
		return nil
	}
	return &spaHandler{root: dir, index: index}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	if strings.HasPrefix(clean, "/api/") {
		http.NotFound(w, r)
		return
	}
	name := filepath.Join(h.root, filepath.FromSlash(clean))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		http.ServeFile(w, r, name)
		return
	}
	http.ServeFile(w, r, h.index)
}
