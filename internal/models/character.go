// internal/models/character.go
package models

import (
	"fmt"
	"slices"
	"strings"
)

// 角色字段键名，向导、API 和控制台共用
const (
	FieldName                  = "name"
	FieldAge                   = "age"
	FieldGender                = "gender"
	FieldSpecies               = "species"
	FieldOccupation            = "occupation"
	FieldPersonalityTraits     = "personality_traits"
	FieldHeight                = "height"
	FieldBuild                 = "build"
	FieldSkinTone              = "skin_tone"
	FieldHair                  = "hair"
	FieldEyes                  = "eyes"
	FieldMainClothing          = "main_clothing"
	FieldFootwear              = "footwear"
	FieldAccessories           = "accessories"
	FieldColorPalette          = "color_palette"
	FieldUniqueCharacteristics = "unique_characteristics"
	FieldExpressions           = "expressions"
	FieldArtStyle              = "art_style"
	FieldContextualBackground  = "contextual_background"
	FieldAdditionalNotes       = "additional_notes"
)

// DefaultCharacterName 文本描述生成时使用的默认角色名
const DefaultCharacterName = "Character"

// CharacterData 用户为一个角色填写的数据
type CharacterData struct {
	Name                  string   `json:"name"`
	Age                   string   `json:"age"`
	Gender                string   `json:"gender"`
	Species               string   `json:"species"`
	Occupation            string   `json:"occupation"`
	PersonalityTraits     []string `json:"personality_traits"`
	Height                string   `json:"height"`
	Build                 string   `json:"build"`
	SkinTone              string   `json:"skin_tone"`
	Hair                  string   `json:"hair"`
	Eyes                  string   `json:"eyes"`
	MainClothing          string   `json:"main_clothing"`
	Footwear              string   `json:"footwear"`
	Accessories           string   `json:"accessories"`
	ColorPalette          string   `json:"color_palette"`
	UniqueCharacteristics string   `json:"unique_characteristics"`
	Expressions           string   `json:"expressions"`
	ArtStyle              string   `json:"art_style"`
	ContextualBackground  string   `json:"contextual_background"`
	AdditionalNotes       string   `json:"additional_notes"`
}

// NewCharacterData 创建空角色数据（性格标签列表非 nil）
func NewCharacterData() *CharacterData {
	return &CharacterData{PersonalityTraits: []string{}}
}

// DefaultCharacter 返回文本描述结果旁显示的默认角色
func DefaultCharacter() *CharacterData {
	c := NewCharacterData()
	c.Name = DefaultCharacterName
	return c
}

// stringFields 字段键名到字段值的映射
func (c *CharacterData) stringFields() map[string]*string {
	return map[string]*string{
		FieldName:                  &c.Name,
		FieldAge:                   &c.Age,
		FieldGender:                &c.Gender,
		FieldSpecies:               &c.Species,
		FieldOccupation:            &c.Occupation,
		FieldHeight:                &c.Height,
		FieldBuild:                 &c.Build,
		FieldSkinTone:              &c.SkinTone,
		FieldHair:                  &c.Hair,
		FieldEyes:                  &c.Eyes,
		FieldMainClothing:          &c.MainClothing,
		FieldFootwear:              &c.Footwear,
		FieldAccessories:           &c.Accessories,
		FieldColorPalette:          &c.ColorPalette,
		FieldUniqueCharacteristics: &c.UniqueCharacteristics,
		FieldExpressions:           &c.Expressions,
		FieldArtStyle:              &c.ArtStyle,
		FieldContextualBackground:  &c.ContextualBackground,
		FieldAdditionalNotes:       &c.AdditionalNotes,
	}
}

// IsStringField 检查是否为普通字符串字段
func IsStringField(key string) bool {
	_, ok := (&CharacterData{}).stringFields()[key]
	return ok
}

// Field 获取字符串字段的值
func (c *CharacterData) Field(key string) (string, bool) {
	ptr, ok := c.stringFields()[key]
	if !ok {
		return "", false
	}
	return *ptr, true
}

// SetField 设置字符串字段。personality_traits 通过 AddTrait/RemoveTrait 管理
func (c *CharacterData) SetField(key, value string) error {
	if key == FieldPersonalityTraits {
		return fmt.Errorf("field %s is a tag list, use AddTrait/RemoveTrait", key)
	}
	ptr, ok := c.stringFields()[key]
	if !ok {
		return fmt.Errorf("unknown character field: %s", key)
	}
	*ptr = value
	return nil
}

// IsBlank 检查字段是否为空
// personality_traits 表示标签列表为空
func (c *CharacterData) IsBlank(key string) bool {
	if key == FieldPersonalityTraits {
		return len(c.PersonalityTraits) == 0
	}
	value, ok := c.Field(key)
	return !ok || value == ""
}

// HasTrait 检查标签是否已存在
func (c *CharacterData) HasTrait(trait string) bool {
	return slices.Contains(c.PersonalityTraits, strings.TrimSpace(trait))
}

// AddTrait 添加标签，空标签和重复标签会被忽略
func (c *CharacterData) AddTrait(trait string) bool {
	trait = strings.TrimSpace(trait)
	if trait == "" || slices.Contains(c.PersonalityTraits, trait) {
		return false
	}
	c.PersonalityTraits = append(c.PersonalityTraits, trait)
	return true
}

// RemoveTrait 删除标签，返回是否有变化
func (c *CharacterData) RemoveTrait(trait string) bool {
	trait = strings.TrimSpace(trait)
	idx := slices.Index(c.PersonalityTraits, trait)
	if idx < 0 {
		return false
	}
	c.PersonalityTraits = slices.Delete(c.PersonalityTraits, idx, idx+1)
	return true
}

// Clone 深拷贝
func (c *CharacterData) Clone() *CharacterData {
	if c == nil {
		return nil
	}
	clone := *c
	clone.PersonalityTraits = append([]string{}, c.PersonalityTraits...)
	return &clone
}

// DisplayName 返回下载文件名和标题使用的名称
func (c *CharacterData) DisplayName() string {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return DefaultCharacterName
	}
	return strings.TrimSpace(c.Name)
}

// Describe 将已填写的字段组合成一段描述
// 向导流程用它代替自由文本提交给生成器
func (c *CharacterData) Describe() string {
	var parts []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			parts = append(parts, label+": "+v)
		}
	}

	add("Name", c.Name)
	add("Age", c.Age)
	add("Gender", c.Gender)
	add("Species", c.Species)
	add("Occupation", c.Occupation)
	if len(c.PersonalityTraits) > 0 {
		parts = append(parts, "Personality: "+strings.Join(c.PersonalityTraits, ", "))
	}
	add("Height", c.Height)
	add("Build", c.Build)
	add("Skin tone", c.SkinTone)
	add("Hair", c.Hair)
	add("Eyes", c.Eyes)
	add("Main clothing", c.MainClothing)
	add("Footwear", c.Footwear)
	add("Accessories", c.Accessories)
	add("Color palette", c.ColorPalette)
	add("Unique characteristics", c.UniqueCharacteristics)
	add("Expressions", c.Expressions)
	add("Art style", c.ArtStyle)
	add("Setting", c.ContextualBackground)
	add("Notes", c.AdditionalNotes)

	return strings.Join(parts, ". ")
}
