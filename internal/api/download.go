package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/export"
)

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	if s.opts.CSV == nil {
		writeError(w, http.StatusNotFound, "no export available")
		return
	}
	file, info, err := s.opts.CSV.Open()
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no export available")
		return
	}
	if err != nil {
		s.logger.Error("open export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export unavailable")
		return
	}
	defer func() { _ = file.Close() }()

	name := filepath.Base(s.opts.CSV.Path())
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), file)
}
