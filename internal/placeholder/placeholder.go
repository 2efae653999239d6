// internal/placeholder/placeholder.go
package placeholder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Corphon/CharacterStudio/internal/models"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// 输出尺寸，与远程占位图的 400x600 一致
const (
	Width  = 400
	Height = 600

	// 先绘制小尺寸渐变再放大
	sketchScale = 4
	quality     = 90
)

// 各视角的基础颜色
var palettes = map[models.View][2]color.RGBA{
	models.ViewFront: {{66, 133, 244, 255}, {28, 56, 120, 255}},
	models.ViewSide:  {{52, 168, 83, 255}, {20, 78, 38, 255}},
	models.ViewBack:  {{234, 67, 53, 255}, {110, 28, 22, 255}},
}

// Filename 视角对应的文件名
func Filename(view models.View) string {
	return fmt.Sprintf("%s-placeholder.jpg", view)
}

// Render 绘制视角占位图并编码为 JPEG
func Render(view models.View) ([]byte, error) {
	palette, ok := palettes[view]
	if !ok {
		return nil, fmt.Errorf("unknown view: %q", view)
	}

	sketch := image.NewRGBA(image.Rect(0, 0, Width/sketchScale, Height/sketchScale))
	fillGradient(sketch, palette[0], palette[1])

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.CatmullRom.Scale(img, img.Bounds(), sketch, sketch.Bounds(), draw.Src, nil)

	drawBorder(img, 8, palette[1])
	drawLabel(img, strings.ToUpper(view.Label()), Height/2)
	drawLabel(img, "Character Studio", Height-40)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s placeholder: %w", view, err)
	}
	return buf.Bytes(), nil
}

// EnsureAll 生成所有视角的占位图，已存在的文件保留
func EnsureAll(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var written []string
	for _, view := range models.AllViews() {
		path := filepath.Join(dir, Filename(view))
		if _, err := os.Stat(path); err == nil {
			continue
		}

		data, err := Render(view)
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// fillGradient 绘制从中心 inner 到四角 outer 的径向渐变
func fillGradient(img *image.RGBA, inner, outer color.RGBA) {
	bounds := img.Bounds()
	cx := float64(bounds.Dx()) / 2
	cy := float64(bounds.Dy()) / 2
	maxDist := math.Hypot(cx, cy)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			t := math.Hypot(float64(x)-cx, float64(y)-cy) / maxDist
			img.SetRGBA(x, y, color.RGBA{
				R: lerp(inner.R, outer.R, t),
				G: lerp(inner.G, outer.G, t),
				B: lerp(inner.B, outer.B, t),
				A: 255,
			})
		}
	}
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

func drawBorder(img *image.RGBA, width int, c color.RGBA) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if x < width || x >= bounds.Max.X-width || y < width || y >= bounds.Max.Y-width {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawLabel 在基线 y 上水平居中绘制文字
func drawLabel(img *image.RGBA, text string, y int) {
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
	}
	width := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P((img.Bounds().Dx()-width)/2, y)
	drawer.DrawString(text)
}
