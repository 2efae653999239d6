// internal/services/results.go
package services

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Corphon/CharacterStudio/internal/models"
)

// ResultsView 记录当前显示的视角
type ResultsView struct {
	mu       sync.RWMutex
	selected models.View
}

// NewResultsView 默认显示正面
func NewResultsView() *ResultsView {
	return &ResultsView{selected: models.ViewFront}
}

// Selected 当前视角
func (rv *ResultsView) Selected() models.View {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	return rv.selected
}

// Select 切换视角，不修改结果本身
func (rv *ResultsView) Select(view models.View) error {
	if _, err := models.ParseView(string(view)); err != nil {
		return err
	}
	rv.mu.Lock()
	rv.selected = view
	rv.mu.Unlock()
	return nil
}

// ResetSelection 回到正面视角
func (rv *ResultsView) ResetSelection() {
	rv.mu.Lock()
	rv.selected = models.ViewFront
	rv.mu.Unlock()
}

// Current 返回当前视角的展示信息
func (rv *ResultsView) Current(result *models.GenerationResult, name string) models.ViewImage {
	selected := rv.Selected()
	return viewImage(result, name, selected, true)
}

// Gallery 按显示顺序返回所有视角
func (rv *ResultsView) Gallery(result *models.GenerationResult, name string) []models.ViewImage {
	selected := rv.Selected()
	images := make([]models.ViewImage, 0, 3)
	for _, view := range models.AllViews() {
		images = append(images, viewImage(result, name, view, view == selected))
	}
	return images
}

func viewImage(result *models.GenerationResult, name string, view models.View, selected bool) models.ViewImage {
	return models.ViewImage{
		View:     view,
		Label:    view.Label(),
		Caption:  view.Caption(),
		URL:      result.ImageFor(view),
		Filename: DownloadFilename(name, view),
		Selected: selected,
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// SanitizeName 处理角色名，使其可用于文件名
func SanitizeName(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		return models.DefaultCharacterName
	}
	return name
}

// DownloadFilename 返回 "<name>-<view>-view.jpg"
func DownloadFilename(name string, view models.View) string {
	return fmt.Sprintf("%s-%s-view.jpg", SanitizeName(name), view)
}
