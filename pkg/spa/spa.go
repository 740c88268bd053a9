// Package spa serves a single page application from a static folder.
package spa

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// Handler serves the file under dir matching the request path.
// Any other path, including the root, serves dir/index.html so that client side routes work.
// If there is no index.html either, it responds with 404.
func Handler(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if p != "/" {
			name := filepath.Join(dir, filepath.FromSlash(p))
			if info, err := os.Stat(name); err == nil && !info.IsDir() {
				http.ServeFile(w, r, name)
				return
			}
		}
		index := filepath.Join(dir, "index.html")
		if _, err := os.Stat(index); err != nil {
			http.Error(w, "index.html not found", http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, index)
	})
}
