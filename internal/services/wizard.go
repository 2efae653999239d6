// internal/services/wizard.go
package services

import (
	"strings"
	"sync"

	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
)

// requiredFields 每个步骤的必填字段
var requiredFields = map[models.Step][]string{
	models.StepOverview: {
		models.FieldName,
		models.FieldAge,
		models.FieldGender,
		models.FieldSpecies,
		models.FieldOccupation,
		models.FieldPersonalityTraits,
	},
	models.StepPhysical: {
		models.FieldHeight,
		models.FieldBuild,
		models.FieldSkinTone,
		models.FieldHair,
		models.FieldEyes,
	},
	models.StepStyleDetails: {
		models.FieldMainClothing,
		models.FieldFootwear,
		models.FieldAccessories,
		models.FieldColorPalette,
		models.FieldUniqueCharacteristics,
		models.FieldExpressions,
		models.FieldArtStyle,
		models.FieldContextualBackground,
		models.FieldAdditionalNotes,
	},
}

// RequiredFields 返回步骤的必填字段
func RequiredFields(step models.Step) []string {
	return append([]string(nil), requiredFields[step]...)
}

// Wizard 三步角色表单
type Wizard struct {
	mu         sync.RWMutex
	step       models.Step
	data       *models.CharacterData
	generating bool
	submission uint64 // Submit 和 Restart 时递增
}

// NewWizard 创建向导，可选预填数据
func NewWizard(initial *models.CharacterData) *Wizard {
	w := &Wizard{}
	w.reset(initial)
	return w
}

func (w *Wizard) reset(initial *models.CharacterData) {
	w.step = models.StepOverview
	w.generating = false
	w.submission++
	if initial != nil {
		w.data = initial.Clone()
		if w.data.PersonalityTraits == nil {
			w.data.PersonalityTraits = []string{}
		}
	} else {
		w.data = models.NewCharacterData()
	}
}

// Step 当前步骤
func (w *Wizard) Step() models.Step {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.step
}

// Data 返回表单数据副本
func (w *Wizard) Data() *models.CharacterData {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.data.Clone()
}

// Generating 是否已提交并等待结果
func (w *Wizard) Generating() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generating
}

func (w *Wizard) missingLocked() []string {
	missing := []string{}
	for _, key := range requiredFields[w.step] {
		if w.data.IsBlank(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// MissingFields 当前步骤未填写的必填字段
func (w *Wizard) MissingFields() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.missingLocked()
}

// CanProceed 当前步骤的必填字段是否都已填写
func (w *Wizard) CanProceed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.missingLocked()) == 0
}

// Next 进入下一步。最后一步或必填字段为空时失败
func (w *Wizard) Next() (models.Step, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.step.IsLast() {
		return w.step, apperrors.NewConflictError("already on the last step", nil)
	}
	if missing := w.missingLocked(); len(missing) > 0 {
		return w.step, apperrors.NewValidationError("required fields are missing", &MissingFieldsError{Step: w.step, Fields: missing})
	}
	w.step = w.step.Next()
	return w.step, nil
}

// Previous 返回上一步
func (w *Wizard) Previous() models.Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = w.step.Prev()
	return w.step
}

func (w *Wizard) checkEditable() error {
	if w.generating {
		return apperrors.NewConflictError("character is being generated", nil)
	}
	return nil
}

// SetField 更新单个字段
func (w *Wizard) SetField(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkEditable(); err != nil {
		return err
	}
	if err := w.data.SetField(key, value); err != nil {
		return apperrors.NewValidationError(err.Error(), err)
	}
	return nil
}

// SetFields 批量更新字段，有无效键名时不做任何修改
func (w *Wizard) SetFields(fields map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkEditable(); err != nil {
		return err
	}
	updated := w.data.Clone()
	for key, value := range fields {
		if err := updated.SetField(key, value); err != nil {
			return apperrors.NewValidationError(err.Error(), err)
		}
	}
	w.data = updated
	return nil
}

// AddTrait 添加性格标签，忽略重复和空标签
func (w *Wizard) AddTrait(trait string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkEditable(); err != nil {
		return false, err
	}
	return w.data.AddTrait(trait), nil
}

// RemoveTrait 删除性格标签
func (w *Wizard) RemoveTrait(trait string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkEditable(); err != nil {
		return false, err
	}
	return w.data.RemoveTrait(trait), nil
}

// Submit 返回表单数据副本并进入生成状态
func (w *Wizard) Submit() (*models.CharacterData, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.generating {
		return nil, apperrors.NewConflictError("character is already being generated", nil)
	}
	if !w.step.IsLast() {
		return nil, apperrors.NewConflictError("the form can only be submitted from the last step", nil)
	}
	if missing := w.missingLocked(); len(missing) > 0 {
		return nil, apperrors.NewValidationError("required fields are missing", &MissingFieldsError{Step: w.step, Fields: missing})
	}
	w.generating = true
	w.submission++
	return w.data.Clone(), nil
}

// Submission 最近一次 Submit（或 Restart）的编号
func (w *Wizard) Submission() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.submission
}

// FinishGenerating 退出生成状态，保留步骤和数据
func (w *Wizard) FinishGenerating() {
	w.mu.Lock()
	w.generating = false
	w.mu.Unlock()
}

// FinishSubmission 仅当 submission 仍是最近一次提交时退出生成状态
func (w *Wizard) FinishSubmission(submission uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if submission != w.submission {
		return false
	}
	w.generating = false
	return true
}

// Restart 回到第一步，可选预填数据
func (w *Wizard) Restart(initial *models.CharacterData) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset(initial)
}

// State 返回向导状态
func (w *Wizard) State() models.WizardState {
	w.mu.RLock()
	defer w.mu.RUnlock()

	missing := w.missingLocked()
	return models.WizardState{
		Step:          w.step,
		StepName:      w.step.String(),
		StepTitle:     w.step.Title(),
		StepNumber:    int(w.step) + 1,
		TotalSteps:    models.StepCount,
		Data:          w.data.Clone(),
		Required:      RequiredFields(w.step),
		MissingFields: missing,
		CanProceed:    len(missing) == 0,
		CanGoBack:     w.step > models.StepOverview,
		Generating:    w.generating,
	}
}

// MissingFieldsError 阻止前进的空字段
type MissingFieldsError struct {
	Step   models.Step
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing on step " + e.Step.String() + ": " + strings.Join(e.Fields, ", ")
}
