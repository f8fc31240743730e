package webapp

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"
)

func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadBase string) {
	name := filepath.Base(path)
	if downloadBase != "" {
		ext := filepath.Ext(name)
		name = downloadBase + ext
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

// serveContent 以附件形式输出已打开的文件，支持 Range。
func serveContent(w http.ResponseWriter, r *http.Request, name, mediaType string, modTime time.Time, content io.ReadSeeker) {
	if mediaType != "" {
		w.Header().Set("Content-Type", mediaType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, modTime, content)
}
