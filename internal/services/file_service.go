package services

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/filestore"
	"wa_gateway/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const bytesPerMB = 1024 * 1024

// allowedMimeTypes is the upload allow-list.
var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,

	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain": true,
	"text/csv":   true,

	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-rar-compressed": true,
	"application/vnd.rar":          true,
	"application/x-7z-compressed":  true,

	"video/mp4":       true,
	"video/mpeg":      true,
	"video/quicktime": true,
	"audio/mpeg":      true,
	"audio/wav":       true,
	"audio/ogg":       true,
}

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	safeExt         = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// UploadedFile is returned by FileService.Upload.
type UploadedFile struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	URL          string `json:"url"`
}

// FileInfo is a stored file with its public URL.
type FileInfo struct {
	filestore.Object
	URL string `json:"url"`
}

// FileService hosts files under a device's namespace and accounts their
// size against the owner's storage quota.
type FileService struct {
	store   filestore.Store
	ledger  *QuotaLedger
	maxSize int64
	log     zerolog.Logger
}

func NewFileService(store filestore.Store, ledger *QuotaLedger, maxSize int64, log zerolog.Logger) *FileService {
	return &FileService{
		store:   store,
		ledger:  ledger,
		maxSize: maxSize,
		log:     log.With().Str("component", "files").Logger(),
	}
}

// IsAllowedMimeType reports whether uploads of mimeType are accepted.
func IsAllowedMimeType(mimeType string) bool {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return allowedMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
}

// StoredName builds "<ulid>-<safe base><ext>" from an uploaded file name.
func StoredName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Trim(unsafeNameChars.ReplaceAllString(stem, "_"), "_")
	if stem == "" {
		stem = "file"
	}
	if len(stem) > 64 {
		stem = stem[:64]
	}
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	return ulid.Make().String() + "-" + stem + ext
}

// ValidFileName rejects names that could escape the device namespace.
func ValidFileName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\") && !strings.Contains(name, "..")
}

func objectKey(deviceID, name string) string {
	return deviceID + "/" + name
}

// Upload stores r under deviceID. owner is nil for unowned legacy
// devices, which skip storage accounting.
func (s *FileService) Upload(ctx context.Context, owner *models.Account, deviceID, originalName, mimeType string, size int64, r io.Reader) (*UploadedFile, error) {
	if size <= 0 {
		return nil, apperr.Validation("files.Upload", "No file uploaded")
	}
	if size > s.maxSize {
		return nil, apperr.Validation("files.Upload", "File too large")
	}
	if !IsAllowedMimeType(mimeType) {
		return nil, apperr.Validation("files.Upload", "File type not allowed")
	}
	sizeMB := float64(size) / bytesPerMB
	if owner != nil {
		if err := s.ledger.CheckStorageLimit(ctx, owner, sizeMB); err != nil {
			return nil, err
		}
	}

	name := StoredName(originalName)
	key := objectKey(deviceID, name)
	if err := s.store.Put(ctx, key, r, size, mimeType); err != nil {
		return nil, apperr.Storage("files.Upload", err)
	}
	if owner != nil {
		if err := s.ledger.RecordStorageDelta(ctx, owner.ID, sizeMB); err != nil {
			s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to record storage usage")
		}
	}
	url, err := s.store.URL(ctx, key)
	if err != nil {
		return nil, apperr.Storage("files.Upload", err)
	}

	s.log.Info().Str("device_id", deviceID).Str("file", name).Int64("size", size).Msg("file uploaded")
	return &UploadedFile{
		Filename:     name,
		OriginalName: originalName,
		Size:         size,
		MimeType:     mimeType,
		URL:          url,
	}, nil
}

func (s *FileService) List(ctx context.Context, deviceID string) ([]FileInfo, error) {
	objs, err := s.store.List(ctx, deviceID)
	if err != nil {
		return nil, apperr.Storage("files.List", err)
	}
	out := make([]FileInfo, 0, len(objs))
	for _, o := range objs {
		url, err := s.store.URL(ctx, objectKey(deviceID, o.Name))
		if err != nil {
			return nil, apperr.Storage("files.List", err)
		}
		out = append(out, FileInfo{Object: o, URL: url})
	}
	return out, nil
}

// Delete removes a file and gives its size back to the owner's quota.
func (s *FileService) Delete(ctx context.Context, owner *models.Account, deviceID, name string) error {
	if !ValidFileName(name) {
		return apperr.Validation("files.Delete", "Invalid filename")
	}
	key := objectKey(deviceID, name)
	obj, err := s.store.Stat(ctx, key)
	if errors.Is(err, filestore.ErrNotFound) {
		return apperr.NotFound("files.Delete", "File not found")
	}
	if err != nil {
		return apperr.Storage("files.Delete", err)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return apperr.NotFound("files.Delete", "File not found")
		}
		return apperr.Storage("files.Delete", err)
	}
	if owner != nil {
		if err := s.ledger.RecordStorageDelta(ctx, owner.ID, -float64(obj.Size)/bytesPerMB); err != nil {
			s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to record storage release")
		}
	}
	return nil
}
