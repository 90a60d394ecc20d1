package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// File kinds, matching the message types that carry a url.
const (
	KindImage = "image"
	KindAudio = "audio"
	KindVideo = "video"
	KindFile  = "file"
)

var kindByExt = map[string]string{
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage, ".webp": KindImage,
	".mp3": KindAudio, ".wav": KindAudio, ".ogg": KindAudio, ".m4a": KindAudio, ".webm": KindAudio,
	".mp4": KindVideo, ".mov": KindVideo,
}

// KindForExt maps a lower-case extension to a file kind.
func KindForExt(ext string) string {
	if k, ok := kindByExt[ext]; ok {
		return k
	}
	return KindFile
}

// Result is what the client gets back for a stored file.
type Result struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Service validates and names uploads, hands them to a Store and records
// their owner.
type Service struct {
	db        *gorm.DB
	store     Store
	urlPrefix string
	maxBytes  int64
	allowed   map[string]bool
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(db *gorm.DB, store Store, cfg config.UploadConfig, logger *zap.Logger) *Service {
	allowed := make(map[string]bool, len(cfg.AllowedExts))
	for _, e := range cfg.AllowedExts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	prefix := strings.TrimRight(cfg.URLPrefix, "/")
	if prefix == "" {
		prefix = "/uploads"
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &Service{
		db:        db,
		store:     store,
		urlPrefix: prefix,
		maxBytes:  maxBytes,
		allowed:   allowed,
		logger:    logger,
		now:       time.Now,
	}
}

// MaxBytes is the largest accepted upload.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// URLPrefix is the path under which stored files are served.
func (s *Service) URLPrefix() string { return s.urlPrefix }

// Save stores r under a fresh "<uuid><ext>" name. kinds, when given, limits
// the accepted file kinds.
func (s *Service) Save(ctx context.Context, uploaderID int64, filename string, r io.Reader, kinds ...string) (*Result, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == "/" {
		return nil, apperr.Validation("Missing file name")
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		return nil, apperr.Validation("File has no extension")
	}
	if !s.allowed[ext] {
		return nil, apperr.Validation("File type %s is not allowed", ext)
	}
	kind := KindForExt(ext)
	if len(kinds) > 0 && !contains(kinds, kind) {
		return nil, apperr.Validation("Expected %s, got %s", strings.Join(kinds, " or "), kind)
	}

	name := uuid.NewString() + ext
	lr := &io.LimitedReader{R: r, N: s.maxBytes + 1}
	n, err := s.store.Save(ctx, name, lr, Meta{
		OriginalName: base,
		Kind:         kind,
		UploaderID:   uploaderID,
		UploadedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if n > s.maxBytes {
		if err := s.store.Delete(ctx, name); err != nil {
			s.logger.Warn("remove oversized upload", zap.String("name", name), zap.Error(err))
		}
		return nil, apperr.Validation("File is larger than %d bytes", s.maxBytes)
	}
	if n == 0 {
		_ = s.store.Delete(ctx, name)
		return nil, apperr.Validation("File is empty")
	}
	rec := &model.Upload{Name: name, UploaderID: uploaderID, OriginalName: base, Kind: kind, Bytes: n}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if derr := s.store.Delete(ctx, name); derr != nil {
			s.logger.Warn("remove unrecorded upload", zap.String("name", name), zap.Error(derr))
		}
		return nil, fmt.Errorf("record upload: %w", err)
	}

	s.logger.Info("file uploaded",
		zap.Int64("user_id", uploaderID), zap.String("name", name), zap.Int64("bytes", n))
	return &Result{URL: s.urlPrefix + "/" + name, Name: name, Type: kind}, nil
}

// Open returns the stored bytes of name.
func (s *Service) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, apperr.NotFound("File not found")
	}
	rc, err := s.store.Open(ctx, name)
	if errors.Is(err, ErrNotExist) {
		return nil, apperr.NotFound("File not found")
	}
	return rc, err
}

func (s *Service) record(ctx context.Context, name string) (*model.Upload, error) {
	var rec model.Upload
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("File not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find upload: %w", err)
	}
	return &rec, nil
}

// Owns reports whether userID uploaded name.
func (s *Service) Owns(ctx context.Context, userID int64, name string) (bool, error) {
	if !validName(name) {
		return false, nil
	}
	rec, err := s.record(ctx, name)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.UploaderID == userID, nil
}

// Delete removes name on behalf of userID, who must have uploaded it.
func (s *Service) Delete(ctx context.Context, userID int64, name string) error {
	if !validName(name) {
		return apperr.Validation("Invalid file name")
	}
	rec, err := s.record(ctx, name)
	if err != nil {
		return err
	}
	if rec.UploaderID != userID {
		return apperr.Forbidden("You can only delete your own files")
	}
	if err := s.store.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotExist) {
		return fmt.Errorf("delete upload: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(rec).Error; err != nil {
		return fmt.Errorf("forget upload: %w", err)
	}
	return nil
}

// NameFromURL returns the stored name behind a url produced by Save, or ""
// when url does not point into this store.
func (s *Service) NameFromURL(url string) string {
	if !strings.HasPrefix(url, s.urlPrefix+"/") {
		return ""
	}
	name := strings.TrimPrefix(url, s.urlPrefix+"/")
	if !validName(name) {
		return ""
	}
	return name
}

// validName rejects anything that could escape the flat namespace.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && path.Base(name) == name
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
