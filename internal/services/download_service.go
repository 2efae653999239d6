// internal/services/download_service.go
package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/Corphon/CharacterStudio/internal/utils"
)

const (
	staticURLPrefix  = "/static/"
	maxImageBytes    = 20 << 20
	downloadsDirName = "downloads"
)

// DownloadedImage 为会话保存的图像
type DownloadedImage struct {
	View        models.View `json:"view"`
	Filename    string      `json:"filename"`
	Path        string      `json:"path"`
	Size        int64       `json:"size"`
	ContentType string      `json:"content_type"`
	SourceURL   string      `json:"source_url"`
}

// DownloadOptions 下载服务配置
type DownloadOptions struct {
	StaticDir string
	Stagger   time.Duration
	Client    *http.Client
	Cache     *storage.ImageCache
	Metrics   *utils.StudioMetrics
}

// DownloadService 下载服务，图像保存在 <data>/downloads/<session> 下
type DownloadService struct {
	storage   *storage.FileStorage
	cache     *storage.ImageCache
	client    *http.Client
	staticDir string
	stagger   atomic.Int64
	metrics   *utils.StudioMetrics
	logger    *utils.Logger
}

// NewDownloadService 创建下载服务
func NewDownloadService(fs *storage.FileStorage, opts DownloadOptions) *DownloadService {
	s := &DownloadService{
		storage:   fs,
		cache:     opts.Cache,
		client:    opts.Client,
		staticDir: opts.StaticDir,
		metrics:   opts.Metrics,
		logger:    utils.GetLogger(),
	}
	if s.cache == nil {
		s.cache = storage.NewImageCache(0, 0)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.metrics == nil {
		s.metrics = utils.NewStudioMetrics()
	}
	s.SetStagger(opts.Stagger)
	return s
}

// Stagger 批量下载时相邻两次下载的间隔
func (s *DownloadService) Stagger() time.Duration {
	return time.Duration(s.stagger.Load())
}

// SetStagger 修改下载间隔，负值视为 0
func (s *DownloadService) SetStagger(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.stagger.Store(int64(d))
}

// Fetch 获取图像内容，优先使用缓存
func (s *DownloadService) Fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	if data, contentType, ok := s.cache.Get(imageURL); ok {
		return data, contentType, nil
	}

	var (
		data        []byte
		contentType string
		err         error
	)
	if strings.HasPrefix(imageURL, staticURLPrefix) {
		data, contentType, err = s.readStatic(imageURL)
	} else {
		data, contentType, err = s.fetchRemote(ctx, imageURL)
	}
	if err != nil {
		return nil, "", err
	}

	s.cache.Put(imageURL, data, contentType)
	return data, contentType, nil
}

func (s *DownloadService) readStatic(imageURL string) ([]byte, string, error) {
	if s.staticDir == "" {
		return nil, "", apperrors.NewNotFoundError("static directory is not configured", nil)
	}
	rel := path.Clean("/" + strings.TrimPrefix(imageURL, staticURLPrefix))
	fullPath := filepath.Join(s.staticDir, filepath.FromSlash(rel))

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apperrors.NewNotFoundError("image not found: "+imageURL, err)
		}
		return nil, "", apperrors.NewProcessingError("failed to read image", err)
	}
	return data, http.DetectContentType(data), nil
}

func (s *DownloadService) fetchRemote(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", apperrors.NewValidationError("unsupported image URL: "+imageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", apperrors.NewProcessingError("failed to build image request", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", apperrors.NewCancelledError("download cancelled", ctx.Err())
		}
		return nil, "", apperrors.NewProcessingError("failed to fetch image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.NewProcessingError(fmt.Sprintf("image server returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", apperrors.NewProcessingError("failed to read image body", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", apperrors.NewProcessingError("image is too large", nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// Download 将单个视角保存为 <name>-<view>-view.jpg
func (s *DownloadService) Download(ctx context.Context, sessionID, name string, view models.View, imageURL string) (*DownloadedImage, error) {
	if sessionID == "" {
		return nil, apperrors.NewValidationError("session id is required", nil)
	}
	if imageURL == "" {
		return nil, apperrors.NewNotFoundError("no image for view "+string(view), nil)
	}

	data, contentType, err := s.Fetch(ctx, imageURL)
	if err != nil {
		s.metrics.RecordDownloadFailure(string(view))
		return nil, err
	}

	filename := DownloadFilename(name, view)
	fullPath, err := s.storage.SaveFile(filepath.Join(downloadsDirName, sessionID), filename, data)
	if err != nil {
		s.metrics.RecordDownloadFailure(string(view))
		return nil, apperrors.NewProcessingError("failed to save image", err)
	}

	s.metrics.RecordDownload(string(view), int64(len(data)))
	s.logger.Info("Image downloaded", map[string]interface{}{
		"session_id": sessionID,
		"view":       view,
		"file":       filename,
		"bytes":      len(data),
	})

	return &DownloadedImage{
		View:        view,
		Filename:    filename,
		Path:        fullPath,
		Size:        int64(len(data)),
		ContentType: contentType,
		SourceURL:   imageURL,
	}, nil
}

// DownloadAll 按显示顺序保存所有视角，第 i 个不早于调用后
// i*Stagger 开始。遇到错误即停止
func (s *DownloadService) DownloadAll(ctx context.Context, sessionID, name string, result *models.GenerationResult) ([]DownloadedImage, error) {
	if result == nil {
		return nil, apperrors.NewConflictError("no generated character to download", nil)
	}

	stagger := s.Stagger()
	start := time.Now()
	saved := make([]DownloadedImage, 0, 3)
	for i, view := range models.AllViews() {
		if wait := time.Until(start.Add(time.Duration(i) * stagger)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return saved, apperrors.NewCancelledError("download cancelled", ctx.Err())
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return saved, apperrors.NewCancelledError("download cancelled", err)
		}

		image, err := s.Download(ctx, sessionID, name, view, result.ImageFor(view))
		if err != nil {
			return saved, err
		}
		saved = append(saved, *image)
	}
	return saved, nil
}

// ListDownloads 列出会话已保存的文件
func (s *DownloadService) ListDownloads(sessionID string) ([]storage.StoredFile, error) {
	return s.storage.ListFiles(filepath.Join(downloadsDirName, sessionID))
}

// DeleteDownloads 删除会话的下载目录
func (s *DownloadService) DeleteDownloads(sessionID string) error {
	if sessionID == "" {
		return apperrors.NewValidationError("session id is required", nil)
	}
	return s.storage.DeleteDir(filepath.Join(downloadsDirName, sessionID))
}
