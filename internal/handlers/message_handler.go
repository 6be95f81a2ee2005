package handlers

import (
	"context"
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/models"
	"wa_gateway/internal/whatsapp"

	"github.com/go-playground/validator/v10"
)

// Sender dispatches messages through a live device. *whatsapp.Gateway
// satisfies it.
type Sender interface {
	Send(ctx context.Context, deviceID string, account *models.Account, to, text string) (*whatsapp.SendResult, error)
	SendDocument(ctx context.Context, deviceID string, account *models.Account, to string, doc whatsapp.Document) (*whatsapp.SendResult, error)
}

type MessageHandler struct {
	sender   Sender
	validate *validator.Validate
}

func NewMessageHandler(sender Sender, v *validator.Validate) *MessageHandler {
	return &MessageHandler{sender: sender, validate: v}
}

type sendRequest struct {
	DeviceID string `json:"deviceId"`
	To       string `json:"to"`
	Number   string `json:"number"`
	Message  string `json:"message" validate:"required"`
}

type sendFileRequest struct {
	DeviceID string `json:"deviceId"`
	To       string `json:"to"`
	Number   string `json:"number"`
	URL      string `json:"url" validate:"required,url"`
	FileName string `json:"fileName" validate:"required"`
	MimeType string `json:"mimeType"`
	Caption  string `json:"caption"`
}

func recipient(to, number string) (string, error) {
	if to == "" {
		to = number
	}
	if to == "" {
		return "", apperr.Validation("messages", "to is required")
	}
	return to, nil
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request, req sendRequest) {
	dev, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("messages.Send", "Invalid API key"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, apperr.Validation("messages.Send", validationMessage(err)))
		return
	}
	to, err := recipient(req.To, req.Number)
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := h.sender.Send(r.Context(), dev.Session.DeviceID, dev.Owner, to, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, res)
}

// Send handles POST /api/messages/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, nil, &req); err != nil {
		respondError(w, err)
		return
	}
	h.send(w, r, req)
}

// SendQuery handles GET /api/messages/send
func (h *MessageHandler) SendQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.send(w, r, sendRequest{
		DeviceID: q.Get("deviceId"),
		To:       q.Get("to"),
		Number:   q.Get("number"),
		Message:  q.Get("message"),
	})
}

func (h *MessageHandler) sendFile(w http.ResponseWriter, r *http.Request, req sendFileRequest) {
	dev, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("messages.SendFile", "Invalid API key"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, apperr.Validation("messages.SendFile", validationMessage(err)))
		return
	}
	to, err := recipient(req.To, req.Number)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}

	res, err := h.sender.SendDocument(r.Context(), dev.Session.DeviceID, dev.Owner, to, whatsapp.Document{
		URL:      req.URL,
		FileName: req.FileName,
		MimeType: req.MimeType,
		Caption:  req.Caption,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, res)
}

// SendFile handles POST /api/messages/send-file
func (h *MessageHandler) SendFile(w http.ResponseWriter, r *http.Request) {
	var req sendFileRequest
	if err := decode(r, nil, &req); err != nil {
		respondError(w, err)
		return
	}
	h.sendFile(w, r, req)
}

// SendFileQuery handles GET /api/messages/send-file
func (h *MessageHandler) SendFileQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mimeType := q.Get("mimeType")
	if mimeType == "" {
		mimeType = q.Get("mimetype")
	}
	h.sendFile(w, r, sendFileRequest{
		DeviceID: q.Get("deviceId"),
		To:       q.Get("to"),
		Number:   q.Get("number"),
		URL:      q.Get("url"),
		FileName: q.Get("fileName"),
		MimeType: mimeType,
		Caption:  q.Get("caption"),
	})
}
