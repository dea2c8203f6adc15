package backendsim

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/gigchat/internal/protocol"
	"go.uber.org/zap"
)

const maxUpload = 32 << 20

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Envelope[[]protocol.Conversation]{
		Status: protocol.StatusSuccess,
		Data:   s.Conversations(userFrom(r.Context())),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file: "+err.Error())
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := filepath.Base(hdr.Filename)

	s.mu.Lock()
	if s.failUploads[name] {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	id := s.nextIDLocked("asset")
	ctype := hdr.Header.Get("Content-Type")
	if ctype == "" || ctype == "application/octet-stream" {
		ctype = mimetype.Detect(data).String()
	}
	meta := protocol.Attachment{
		ID:   id,
		Name: name,
		Size: protocol.ByteSize(len(data)),
		Type: ctype,
		URL:  "/files/" + id,
	}
	s.assets[id] = asset{meta: meta, data: data}
	s.mu.Unlock()

	s.logger.Debug("asset stored", zap.String("id", id), zap.String("name", name), zap.Int("size", len(data)))
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.Attachment]{Status: protocol.StatusSuccess, Data: meta})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a, ok := s.assets[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no such asset")
		return
	}
	w.Header().Set("Content-Type", a.meta.Type)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.data)))
	_, _ = w.Write(a.data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, protocol.Envelope[any]{Status: "error", Message: msg})
}
