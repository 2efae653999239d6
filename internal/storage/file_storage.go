// internal/storage/file_storage.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStorage 文件存储，下载的图像保存在基础目录下
type FileStorage struct {
	BaseDir string

	fileLocks sync.Map // 完整路径 -> *sync.RWMutex
}

// StoredFile 已保存的文件信息
type StoredFile struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// NewFileStorage 创建文件存储，必要时创建基础目录
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FileStorage{BaseDir: baseDir}, nil
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// resolve 拼接路径，拒绝跳出基础目录的路径
func (fs *FileStorage) resolve(dirPath, filename string) (string, error) {
	base, err := filepath.Abs(fs.BaseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base dir: %w", err)
	}
	full := filepath.Join(base, dirPath, filename)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage directory: %s", filepath.Join(dirPath, filename))
	}
	return full, nil
}

// SaveFile 原子写入文件，返回完整路径
func (fs *FileStorage) SaveFile(dirPath, filename string, content []byte) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename must not be empty")
	}
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return "", err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			fmt.Printf("Warning: failed to clean up temporary file %s after rename failure: %v\n", tempPath, removeErr)
		}
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return fullPath, nil
}

// LoadFile 读取文件
func (fs *FileStorage) LoadFile(dirPath, filename string) ([]byte, error) {
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return nil, err
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

// FileExists 检查文件是否存在
func (fs *FileStorage) FileExists(dirPath, filename string) bool {
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// ListFiles 列出目录下的文件（按名称排序）
func (fs *FileStorage) ListFiles(dirPath string) ([]StoredFile, error) {
	fullDir, err := fs.resolve(dirPath, "")
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []StoredFile{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	files := make([]StoredFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, StoredFile{
			Name:    entry.Name(),
			Path:    filepath.Join(fullDir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return files, nil
}

// DeleteDir 删除目录及其内容，目录不存在时不报错
func (fs *FileStorage) DeleteDir(dirPath string) error {
	if strings.TrimSpace(dirPath) == "" {
		return fmt.Errorf("refusing to delete the storage root")
	}
	fullPath, err := fs.resolve(dirPath, "")
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to delete directory: %w", err)
	}
	return nil
}
