// internal/models/studio.go
package models

import (
	"fmt"
	"strings"
	"time"
)

// Mode 工作室会话的顶层视图
type Mode string

const (
	ModeInput   Mode = "input"
	ModeResults Mode = "results"
)

// Valid 检查模式是否有效
func (m Mode) Valid() bool {
	return m == ModeInput || m == ModeResults
}

// Step 角色向导的步骤
type Step int

const (
	StepOverview Step = iota
	StepPhysical
	StepStyleDetails
)

// StepCount 向导步骤数
const StepCount = 3

var stepNames = [StepCount]string{"overview", "physical", "style_details"}

var stepTitles = [StepCount]string{"Character Overview", "Physical Description", "Style & Details"}

func (s Step) String() string {
	if !s.Valid() {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Title 步骤标题
func (s Step) Title() string {
	if !s.Valid() {
		return ""
	}
	return stepTitles[s]
}

// Valid 检查是否为有效的向导步骤
func (s Step) Valid() bool {
	return s >= StepOverview && s <= StepStyleDetails
}

// IsLast 是否为最后一步
func (s Step) IsLast() bool {
	return s == StepStyleDetails
}

// Next 返回下一步，最后一步时返回自身
func (s Step) Next() Step {
	if s.IsLast() {
		return s
	}
	return s + 1
}

// Prev 返回上一步，第一步时返回自身
func (s Step) Prev() Step {
	if s <= StepOverview {
		return StepOverview
	}
	return s - 1
}

// View 角色图像的视角
type View string

const (
	ViewFront View = "front"
	ViewSide  View = "side"
	ViewBack  View = "back"
)

// AllViews 按显示顺序返回所有视角
func AllViews() []View {
	return []View{ViewFront, ViewSide, ViewBack}
}

// ParseView 解析视角
func ParseView(s string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(s))) {
	case ViewFront:
		return ViewFront, nil
	case ViewSide:
		return ViewSide, nil
	case ViewBack:
		return ViewBack, nil
	}
	return "", fmt.Errorf("unknown view: %q", s)
}

// Label 视角按钮文字
func (v View) Label() string {
	switch v {
	case ViewFront:
		return "Front View"
	case ViewSide:
		return "Side View"
	case ViewBack:
		return "Back View"
	}
	return ""
}

// Caption 视角说明
func (v View) Caption() string {
	switch v {
	case ViewFront:
		return "Shows facial features and main clothing details"
	case ViewSide:
		return "Highlights profile, posture, and silhouette"
	case ViewBack:
		return "Reveals back details of outfit and hair"
	}
	return ""
}

// GenerationResult 生成结果：三个视角的图像和对应的描述
type GenerationResult struct {
	Front       string    `json:"front"`
	Side        string    `json:"side"`
	Back        string    `json:"back"`
	Description string    `json:"description"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ImageFor 返回指定视角的图像地址
func (r *GenerationResult) ImageFor(v View) string {
	if r == nil {
		return ""
	}
	switch v {
	case ViewFront:
		return r.Front
	case ViewSide:
		return r.Side
	case ViewBack:
		return r.Back
	}
	return ""
}

// ViewImage 结果展示中的一项
type ViewImage struct {
	View     View   `json:"view"`
	Label    string `json:"label"`
	Caption  string `json:"caption"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Selected bool   `json:"selected"`
}

// WizardState 向导的对外状态
type WizardState struct {
	Step          Step           `json:"step"`
	StepName      string         `json:"step_name"`
	StepTitle     string         `json:"step_title"`
	StepNumber    int            `json:"step_number"`
	TotalSteps    int            `json:"total_steps"`
	Data          *CharacterData `json:"data"`
	Required      []string       `json:"required"`
	MissingFields []string       `json:"missing_fields"`
	CanProceed    bool           `json:"can_proceed"`
	CanGoBack     bool           `json:"can_go_back"`
	Generating    bool           `json:"generating"`
}

// SessionSnapshot 会话快照
type SessionSnapshot struct {
	ID            string            `json:"id"`
	Mode          Mode              `json:"mode"`
	Wizard        WizardState       `json:"wizard"`
	PendingTaskID string            `json:"pending_task_id,omitempty"`
	Result        *GenerationResult `json:"result,omitempty"`
	Character     *CharacterData    `json:"character,omitempty"`
	SelectedView  View              `json:"selected_view"`
	Images        []ViewImage       `json:"images,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAccess    time.Time         `json:"last_access"`
}
