package handlers

import (
	"errors"
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/services"

	"github.com/gorilla/mux"
)

type FileHandler struct {
	files *services.FileService
}

func NewFileHandler(files *services.FileService) *FileHandler {
	return &FileHandler{files: files}
}

// Upload stores a multipart "file" under the device's namespace
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	dev, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("files.Upload", "Invalid API key"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respondError(w, apperr.Validation("files.Upload", "File too large"))
		case errors.Is(err, http.ErrMissingFile):
			respondError(w, apperr.Validation("files.Upload", "No file uploaded"))
		default:
			respondError(w, apperr.Validation("files.Upload", "Invalid multipart body"))
		}
		return
	}
	defer file.Close()

	uploaded, err := h.files.Upload(r.Context(), dev.Owner, dev.Session.DeviceID,
		header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "File uploaded successfully",
		"data":    uploaded,
	})
}

// List returns the device's files, newest first
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	dev, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("files.List", "Invalid API key"))
		return
	}
	files, err := h.files.List(r.Context(), dev.Session.DeviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(files),
		"data":    files,
	})
}

// Delete removes one of the device's files
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	dev, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("files.Delete", "Invalid API key"))
		return
	}
	if err := h.files.Delete(r.Context(), dev.Owner, dev.Session.DeviceID, mux.Vars(r)["filename"]); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "File deleted successfully")
}
