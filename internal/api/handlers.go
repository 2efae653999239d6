// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Corphon/CharacterStudio/internal/config"
	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler API 处理器
type Handler struct {
	Studio           *services.StudioService
	ProgressService  *services.ProgressService
	Metrics          *utils.StudioMetrics
	WebSocketHandler *WebSocketHandler
	WebSocketManager *WebSocketManager
	Response         *ResponseHelper
}

// NewHandler 创建 API 处理器
func NewHandler(studio *services.StudioService, metrics *utils.StudioMetrics, manager *WebSocketManager) *Handler {
	return &Handler{
		Studio:           studio,
		ProgressService:  studio.Progress(),
		Metrics:          metrics,
		WebSocketHandler: NewWebSocketHandler(studio, manager),
		WebSocketManager: manager,
		Response:         NewResponseHelper(),
	}
}

// DescriptionRequest 文本描述请求
type DescriptionRequest struct {
	Description string `json:"description"`
}

// FieldsRequest 批量设置向导字段
type FieldsRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// TraitRequest 添加性格标签
type TraitRequest struct {
	Trait string `json:"trait" binding:"required"`
}

// ViewRequest 选择视角
type ViewRequest struct {
	View string `json:"view" binding:"required"`
}

// GenerationAccepted 生成任务已受理的响应
type GenerationAccepted struct {
	SessionID   string `json:"session_id"`
	TaskID      string `json:"task_id"`
	ProgressURL string `json:"progress_url"`
	DelayMS     int64  `json:"delay_ms"`
}

// ResultsResponse 会话结果展示
type ResultsResponse struct {
	Result       *models.GenerationResult `json:"result"`
	Character    *models.CharacterData    `json:"character"`
	SelectedView models.View              `json:"selected_view"`
	Current      models.ViewImage         `json:"current"`
	Images       []models.ViewImage       `json:"images"`
}

// sessionError 输出错误，会话不存在时使用 SESSION_NOT_FOUND
func (h *Handler) sessionError(c *gin.Context, err error, code ...string) {
	if apperrors.IsNotFoundError(err) && len(code) == 0 {
		h.Response.FromError(c, err, ErrorSessionNotFound)
		return
	}
	h.Response.FromError(c, err, code...)
}

// ------------------------------------------------
// 页面

// IndexPage 渲染首页
func (h *Handler) IndexPage(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"title": "Character Studio",
		"views": models.AllViews(),
	})
}

// APIIndex 没有页面模板时返回 API 说明
func (h *Handler) APIIndex(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"name":     "Character Studio",
		"sessions": "/api/sessions",
		"progress": "/api/progress/:taskID",
		"events":   "/ws/session/:id",
		"views":    models.AllViews(),
	})
}

// SessionWebSocket 会话事件推送
func (h *Handler) SessionWebSocket(c *gin.Context) {
	h.WebSocketHandler.SessionWebSocket(c)
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, h.WebSocketManager.GetStatus())
}

// ------------------------------------------------
// 会话

// CreateSession 创建会话
func (h *Handler) CreateSession(c *gin.Context) {
	session := h.Studio.CreateSession()
	h.Response.Created(c, session.Snapshot(), "Session created")
}

// ListSessions 列出所有会话
func (h *Handler) ListSessions(c *gin.Context) {
	h.Response.Success(c, h.Studio.ListSessions())
}

// GetSession 获取会话快照
func (h *Handler) GetSession(c *gin.Context) {
	snapshot, err := h.Studio.Snapshot(c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.Response.Success(c, snapshot)
}

// DeleteSession 删除会话及其下载文件
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.Studio.DeleteSession(c.Param("id")); err != nil {
		h.sessionError(c, err)
		return
	}
	h.Response.Success(c, nil, "Session deleted")
}

// ------------------------------------------------
// 生成

func (h *Handler) accepted(c *gin.Context, sessionID string, task *services.GenerationTask) {
	h.Response.Accepted(c, GenerationAccepted{
		SessionID:   sessionID,
		TaskID:      task.ID,
		ProgressURL: "/api/progress/" + task.ID,
		DelayMS:     task.Delay.Milliseconds(),
	}, "Generation started")
}

// SubmitDescription 根据文本描述开始生成
func (h *Handler) SubmitDescription(c *gin.Context) {
	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	sessionID := c.Param("id")
	task, err := h.Studio.SubmitDescription(sessionID, req.Description)
	if err != nil {
		if apperrors.IsValidationError(err) {
			h.Response.FromError(c, err, ErrorDescriptionEmpty)
			return
		}
		h.sessionError(c, err)
		return
	}
	h.accepted(c, sessionID, task)
}

// ResetSession 清空结果并回到输入模式
func (h *Handler) ResetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.Studio.Reset(sessionID); err != nil {
		h.sessionError(c, err)
		return
	}
	snapshot, err := h.Studio.Snapshot(sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.Response.Success(c, snapshot, "Session reset")
}

// CancelGeneration 取消进行中的生成
func (h *Handler) CancelGeneration(c *gin.Context) {
	cancelled, err := h.Studio.Cancel(c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"cancelled": cancelled})
}

// SubscribeProgress 通过 SSE 推送任务进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	tracker, exists := h.ProgressService.GetTracker(c.Param("taskID"))
	if !exists {
		h.Response.NotFound(c, "task")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"task_id\":%q}\n\n", tracker.TaskID)
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()

			if update.IsFinal() {
				return
			}
		case <-tracker.Done:
			// 通道已满时最终状态可能被丢弃
			data, _ := json.Marshal(tracker.State())
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()
			return
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ------------------------------------------------
// 向导

func (h *Handler) wizardResponse(c *gin.Context, state models.WizardState, err error) {
	if err != nil {
		switch {
		case apperrors.IsValidationError(err):
			var missing *services.MissingFieldsError
			if errors.As(err, &missing) {
				h.Response.Error(c, http.StatusConflict, ErrorWizardIncomplete, "required fields are missing", missing.Error())
				return
			}
			h.Response.FromError(c, err, ErrorFieldInvalid)
		case apperrors.IsConflictError(err):
			h.Response.FromError(c, err, ErrorWizardLocked)
		default:
			h.sessionError(c, err)
		}
		return
	}
	h.Response.Success(c, state)
}

// GetWizard 获取向导状态
func (h *Handler) GetWizard(c *gin.Context) {
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(*services.Wizard) error { return nil })
	h.wizardResponse(c, state, err)
}

// SetWizardFields 更新向导字段
func (h *Handler) SetWizardFields(c *gin.Context) {
	var req FieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(w *services.Wizard) error {
		return w.SetFields(req.Fields)
	})
	h.wizardResponse(c, state, err)
}

// AddTrait 添加性格标签
func (h *Handler) AddTrait(c *gin.Context) {
	var req TraitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(w *services.Wizard) error {
		_, err := w.AddTrait(req.Trait)
		return err
	})
	h.wizardResponse(c, state, err)
}

// RemoveTrait 删除性格标签
func (h *Handler) RemoveTrait(c *gin.Context) {
	trait := c.Param("trait")
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(w *services.Wizard) error {
		_, err := w.RemoveTrait(trait)
		return err
	})
	h.wizardResponse(c, state, err)
}

// WizardNext 进入下一步，必填字段为空时返回 409
func (h *Handler) WizardNext(c *gin.Context) {
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(w *services.Wizard) error {
		_, err := w.Next()
		return err
	})
	h.wizardResponse(c, state, err)
}

// WizardPrevious 返回上一步
func (h *Handler) WizardPrevious(c *gin.Context) {
	state, err := h.Studio.WizardUpdate(c.Param("id"), func(w *services.Wizard) error {
		w.Previous()
		return nil
	})
	h.wizardResponse(c, state, err)
}

// WizardSubmit 根据完成的向导开始生成
func (h *Handler) WizardSubmit(c *gin.Context) {
	sessionID := c.Param("id")
	task, err := h.Studio.WizardSubmit(sessionID)
	if err != nil {
		h.wizardResponse(c, models.WizardState{}, err)
		return
	}
	h.accepted(c, sessionID, task)
}

// WizardRestart 用上次生成的角色重新打开向导
func (h *Handler) WizardRestart(c *gin.Context) {
	state, err := h.Studio.EditCharacter(c.Param("id"))
	h.wizardResponse(c, state, err)
}

// ------------------------------------------------
// 结果

// GetResults 获取会话结果
func (h *Handler) GetResults(c *gin.Context) {
	snapshot, err := h.Studio.Snapshot(c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if snapshot.Result == nil {
		h.Response.Error(c, http.StatusConflict, ErrorNoResult, "no generated character yet")
		return
	}

	response := ResultsResponse{
		Result:       snapshot.Result,
		Character:    snapshot.Character,
		SelectedView: snapshot.SelectedView,
		Images:       snapshot.Images,
	}
	for _, image := range snapshot.Images {
		if image.Selected {
			response.Current = image
		}
	}
	h.Response.Success(c, response)
}

// SelectView 切换视角
func (h *Handler) SelectView(c *gin.Context) {
	var req ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	view, err := models.ParseView(req.View)
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorViewInvalid, err.Error())
		return
	}

	current, err := h.Studio.SelectView(c.Param("id"), view)
	if err != nil {
		if apperrors.IsConflictError(err) {
			h.Response.FromError(c, err, ErrorNoResult)
			return
		}
		h.sessionError(c, err)
		return
	}
	h.Response.Success(c, current)
}

// DownloadView 以 <name>-<view>-view.jpg 下载单个视角
func (h *Handler) DownloadView(c *gin.Context) {
	view, err := models.ParseView(c.Param("view"))
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorViewInvalid, err.Error())
		return
	}

	sessionID := c.Param("id")
	if _, err := h.Studio.GetSession(sessionID); err != nil {
		h.sessionError(c, err)
		return
	}

	data, contentType, filename, err := h.Studio.FetchView(c.Request.Context(), sessionID, view)
	if err != nil {
		h.downloadError(c, err)
		return
	}
	h.Response.FileResponse(c, data, filename, contentType)
}

// DownloadAll 将所有视角保存到会话下载目录
func (h *Handler) DownloadAll(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.Studio.GetSession(sessionID); err != nil {
		h.sessionError(c, err)
		return
	}

	saved, err := h.Studio.DownloadAll(c.Request.Context(), sessionID)
	if err != nil {
		h.downloadError(c, err)
		return
	}
	h.Response.Success(c, gin.H{
		"files":      saved,
		"stagger_ms": h.Studio.Downloads().Stagger().Milliseconds(),
	}, "Downloads saved")
}

// ListDownloads 列出会话已保存的文件
func (h *Handler) ListDownloads(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.Studio.GetSession(sessionID); err != nil {
		h.sessionError(c, err)
		return
	}
	files, err := h.Studio.ListDownloads(sessionID)
	if err != nil {
		h.Response.FromError(c, err, ErrorDownloadFailed)
		return
	}
	h.Response.Success(c, files)
}

// downloadError 处理会话存在时的下载错误
func (h *Handler) downloadError(c *gin.Context, err error) {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeConflict:
		h.Response.FromError(c, err, ErrorNoResult)
	case apperrors.ErrorTypeNotFound:
		h.Response.FromError(c, err, ErrorImageNotFound)
	default:
		h.Response.FromError(c, err, ErrorDownloadFailed)
	}
}

// ------------------------------------------------
// 设置和指标

// GetSettings 获取当前配置
func (h *Handler) GetSettings(c *gin.Context) {
	h.Response.Success(c, config.GetCurrentConfig())
}

// UpdateSettings 更新时间设置和视角图像。生成延迟对之后创建的会话生效
func (h *Handler) UpdateSettings(c *gin.Context) {
	var settings config.StudioSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if err := settings.Validate(); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorConfigInvalid, err.Error())
		return
	}
	if err := config.UpdateStudioConfig(settings); err != nil {
		h.Response.InternalError(c, "failed to save settings", err.Error())
		return
	}

	cfg := config.GetCurrentConfig()
	h.Studio.UpdateTimings(cfg.GenerationDelay.Std(), cfg.SessionTTL.Std())
	if downloads := h.Studio.Downloads(); downloads != nil {
		downloads.SetStagger(cfg.DownloadStagger.Std())
	}
	h.Response.Success(c, cfg, "Settings saved")
}

// GetMetrics 获取指标
func (h *Handler) GetMetrics(c *gin.Context) {
	metrics := h.Metrics.Collector().GetMetrics()
	metrics["active_sessions_now"] = h.Studio.Count()
	metrics["tracked_tasks"] = h.ProgressService.Count()
	h.Response.Success(c, metrics)
}
