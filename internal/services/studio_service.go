// internal/services/studio_service.go
package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/CharacterStudio/internal/config"
	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/google/uuid"
)

// StudioSession 单个访客的状态：生成控制器、
// 向导和结果展示
type StudioSession struct {
	ID         string
	Controller *GenerationController
	Wizard     *Wizard
	Results    *ResultsView
	CreatedAt  time.Time

	mu         sync.Mutex
	lastAccess time.Time
}

func (ss *StudioSession) touch() {
	ss.mu.Lock()
	ss.lastAccess = time.Now()
	ss.mu.Unlock()
}

// LastAccess 最后访问时间
func (ss *StudioSession) LastAccess() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.lastAccess
}

// Snapshot 生成会话快照
func (ss *StudioSession) Snapshot() models.SessionSnapshot {
	result := ss.Controller.Result()
	character := ss.Controller.Character()

	snapshot := models.SessionSnapshot{
		ID:           ss.ID,
		Mode:         ss.Controller.Mode(),
		Wizard:       ss.Wizard.State(),
		Result:       result,
		Character:    character,
		SelectedView: ss.Results.Selected(),
		CreatedAt:    ss.CreatedAt,
		LastAccess:   ss.LastAccess(),
	}
	if task := ss.Controller.Pending(); task != nil {
		snapshot.PendingTaskID = task.ID
	}
	if result != nil {
		snapshot.Images = ss.Results.Gallery(result, character.DisplayName())
	}
	return snapshot
}

// StudioOptions 工作室服务配置
type StudioOptions struct {
	GenerationDelay time.Duration
	SessionTTL      time.Duration
	Images          func() config.ViewImages
	Progress        *ProgressService
	Downloads       *DownloadService
	Locks           *LockManager
	Metrics         *utils.StudioMetrics
	Events          EventSink
}

// StudioService 工作室会话管理
type StudioService struct {
	ctx    context.Context
	cancel context.CancelFunc

	delay     time.Duration
	ttl       time.Duration
	images    func() config.ViewImages
	progress  *ProgressService
	downloads *DownloadService
	locks     *LockManager
	metrics   *utils.StudioMetrics
	logger    *utils.Logger

	sinkMu sync.RWMutex
	sink   EventSink

	mu       sync.RWMutex
	sessions map[string]*StudioSession

	sweepOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewStudioService 创建工作室服务
func NewStudioService(opts StudioOptions) *StudioService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StudioService{
		ctx:       ctx,
		cancel:    cancel,
		delay:     opts.GenerationDelay,
		ttl:       opts.SessionTTL,
		images:    opts.Images,
		progress:  opts.Progress,
		downloads: opts.Downloads,
		locks:     opts.Locks,
		metrics:   opts.Metrics,
		logger:    utils.GetLogger(),
		sink:      opts.Events,
		sessions:  make(map[string]*StudioSession),
	}
	if s.ttl <= 0 {
		s.ttl = 2 * time.Hour
	}
	if s.progress == nil {
		s.progress = NewProgressService()
	}
	if s.locks == nil {
		s.locks = NewLockManager()
	}
	if s.metrics == nil {
		s.metrics = utils.NewStudioMetrics()
	}
	if s.sink == nil {
		s.sink = noopSink{}
	}
	return s
}

// SetEventSink 设置事件接收者
func (s *StudioService) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = noopSink{}
	}
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Publish 发布事件
func (s *StudioService) Publish(event StudioEvent) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	sink.Publish(event)
}

// Progress 返回进度服务
func (s *StudioService) Progress() *ProgressService {
	return s.progress
}

// Downloads 返回下载服务，可能为 nil
func (s *StudioService) Downloads() *DownloadService {
	return s.downloads
}

// StartSweeper 定期清理过期会话，直到 Stop
func (s *StudioService) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.sweepOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					if removed := s.SweepExpired(); removed > 0 {
						s.logger.Info("Expired idle sessions", map[string]interface{}{"count": removed})
					}
					s.progress.CleanupCompletedTasks(time.Hour)
				}
			}
		}()
	})
}

// Stop 取消所有进行中的生成并停止清理
func (s *StudioService) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.locks.Stop()
	})
}

// UpdateTimings 修改新会话的生成延迟和会话过期时间
func (s *StudioService) UpdateTimings(delay, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay >= 0 {
		s.delay = delay
	}
	if ttl > 0 {
		s.ttl = ttl
	}
}

// CreateSession 创建新会话（输入模式）
func (s *StudioService) CreateSession() *StudioSession {
	s.mu.RLock()
	delay := s.delay
	s.mu.RUnlock()

	now := time.Now()
	session := &StudioSession{
		ID:         uuid.New().String(),
		Wizard:     NewWizard(nil),
		Results:    NewResultsView(),
		CreatedAt:  now,
		lastAccess: now,
	}
	session.Controller = NewGenerationController(GenerationOptions{
		SessionID: session.ID,
		Delay:     delay,
		Images:    s.images,
		Progress:  s.progress,
		Events:    s,
		Metrics:   s.metrics,
	})

	s.mu.Lock()
	s.sessions[session.ID] = session
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(count)
	s.logger.Info("Session created", map[string]interface{}{"session_id": session.ID})
	return session
}

// GetSession 获取会话并更新访问时间
func (s *StudioService) GetSession(id string) (*StudioSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperrors.NewNotFoundError("session not found: "+id, nil)
	}
	session.touch()
	return session, nil
}

// DeleteSession 取消会话任务并删除会话
func (s *StudioService) DeleteSession(id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return apperrors.NewNotFoundError("session not found: "+id, nil)
	}

	s.discard(session)
	s.metrics.SetActiveSessions(count)
	return nil
}

func (s *StudioService) discard(session *StudioSession) {
	session.Controller.Reset()
	if s.downloads != nil {
		if err := s.downloads.DeleteDownloads(session.ID); err != nil {
			s.logger.Warn("Failed to remove session downloads", map[string]interface{}{
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}
	s.locks.Forget(session.ID)
}

// ListSessions 按创建时间返回会话快照
func (s *StudioService) ListSessions() []models.SessionSnapshot {
	s.mu.RLock()
	sessions := make([]*StudioSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	snapshots := make([]models.SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	return snapshots
}

// Count 当前会话数
func (s *StudioService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepExpired 删除超过过期时间未使用的会话
func (s *StudioService) SweepExpired() int {
	s.mu.Lock()
	cutoff := time.Now().Add(-s.ttl)
	var expired []*StudioSession
	for id, session := range s.sessions {
		if session.LastAccess().Before(cutoff) {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	for _, session := range expired {
		s.discard(session)
	}
	if len(expired) > 0 {
		s.metrics.SetActiveSessions(count)
	}
	return len(expired)
}

// withSession 持有会话写锁执行 fn
func (s *StudioService) withSession(id string, fn func(*StudioSession) error) error {
	session, err := s.GetSession(id)
	if err != nil {
		return err
	}
	return s.locks.ExecuteWithSessionLock(id, func() error {
		return fn(session)
	})
}

// Snapshot 返回会话当前状态
func (s *StudioService) Snapshot(id string) (models.SessionSnapshot, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return models.SessionSnapshot{}, err
	}

	var snapshot models.SessionSnapshot
	err = s.locks.ExecuteWithSessionReadLock(id, func() error {
		snapshot = session.Snapshot()
		return nil
	})
	return snapshot, err
}

// SubmitDescription 根据文本描述开始生成
func (s *StudioService) SubmitDescription(id, description string) (*GenerationTask, error) {
	var task *GenerationTask
	err := s.withSession(id, func(session *StudioSession) error {
		var err error
		task, err = session.Controller.Submit(s.ctx, description, models.DefaultCharacter())
		if err == nil {
			session.Results.ResetSelection()
		}
		return err
	})
	return task, err
}

// WizardSubmit 根据完成的向导开始生成
func (s *StudioService) WizardSubmit(id string) (*GenerationTask, error) {
	var task *GenerationTask
	err := s.withSession(id, func(session *StudioSession) error {
		data, err := session.Wizard.Submit()
		if err != nil {
			return err
		}
		submission := session.Wizard.Submission()

		task, err = session.Controller.Submit(s.ctx, data.Describe(), data)
		if err != nil {
			session.Wizard.FinishGenerating()
			return err
		}
		session.Results.ResetSelection()

		go func(wizard *Wizard, done <-chan struct{}) {
			<-done
			wizard.FinishSubmission(submission)
		}(session.Wizard, task.Done())
		return nil
	})
	return task, err
}

// Cancel 取消会话进行中的生成
func (s *StudioService) Cancel(id string) (bool, error) {
	var cancelled bool
	err := s.withSession(id, func(session *StudioSession) error {
		cancelled = session.Controller.Cancel()
		return nil
	})
	return cancelled, err
}

// Reset 清空结果、向导和视角选择
func (s *StudioService) Reset(id string) error {
	err := s.withSession(id, func(session *StudioSession) error {
		session.Controller.Reset()
		session.Wizard.Restart(nil)
		session.Results.ResetSelection()
		return nil
	})
	if err == nil {
		s.Publish(StudioEvent{Type: EventSessionReset, SessionID: id, Timestamp: time.Now()})
	}
	return err
}

// EditCharacter 清空结果，用上次的角色数据重新打开向导
func (s *StudioService) EditCharacter(id string) (models.WizardState, error) {
	var state models.WizardState
	err := s.withSession(id, func(session *StudioSession) error {
		character := session.Controller.Character()
		if character == nil {
			character = session.Wizard.Data()
		}
		session.Controller.Reset()
		session.Wizard.Restart(character)
		session.Results.ResetSelection()
		state = session.Wizard.State()
		return nil
	})
	if err == nil {
		s.Publish(StudioEvent{Type: EventSessionReset, SessionID: id, Timestamp: time.Now()})
	}
	return state, err
}

// WizardUpdate 持有会话锁修改向导
func (s *StudioService) WizardUpdate(id string, fn func(*Wizard) error) (models.WizardState, error) {
	var state models.WizardState
	err := s.withSession(id, func(session *StudioSession) error {
		if err := fn(session.Wizard); err != nil {
			return err
		}
		state = session.Wizard.State()
		return nil
	})
	return state, err
}

// SelectView 切换当前结果的显示视角
func (s *StudioService) SelectView(id string, view models.View) (models.ViewImage, error) {
	var current models.ViewImage
	err := s.withSession(id, func(session *StudioSession) error {
		result := session.Controller.Result()
		if result == nil {
			return apperrors.NewConflictError("no generated character to display", nil)
		}
		if err := session.Results.Select(view); err != nil {
			return apperrors.NewValidationError(err.Error(), err)
		}
		current = session.Results.Current(result, session.Controller.Character().DisplayName())
		return nil
	})
	if err == nil {
		s.Publish(StudioEvent{Type: EventViewSelected, SessionID: id, Data: current, Timestamp: time.Now()})
	}
	return current, err
}

// DownloadView 保存当前结果的单个视角
func (s *StudioService) DownloadView(ctx context.Context, id string, view models.View) (*DownloadedImage, error) {
	if s.downloads == nil {
		return nil, apperrors.NewProcessingError("downloads are not available", nil)
	}
	result, name, err := s.currentResult(id)
	if err != nil {
		return nil, err
	}
	return s.downloads.Download(ctx, id, name, view, result.ImageFor(view))
}

// FetchView 返回单个视角的图像内容和下载文件名
func (s *StudioService) FetchView(ctx context.Context, id string, view models.View) ([]byte, string, string, error) {
	if s.downloads == nil {
		return nil, "", "", apperrors.NewProcessingError("downloads are not available", nil)
	}
	result, name, err := s.currentResult(id)
	if err != nil {
		return nil, "", "", err
	}
	imageURL := result.ImageFor(view)
	if imageURL == "" {
		return nil, "", "", apperrors.NewNotFoundError("no image for view "+string(view), nil)
	}

	data, contentType, err := s.downloads.Fetch(ctx, imageURL)
	if err != nil {
		s.metrics.RecordDownloadFailure(string(view))
		return nil, "", "", err
	}
	s.metrics.RecordDownload(string(view), int64(len(data)))
	return data, contentType, DownloadFilename(name, view), nil
}

// DownloadAll 间隔保存当前结果的三个视角
func (s *StudioService) DownloadAll(ctx context.Context, id string) ([]DownloadedImage, error) {
	if s.downloads == nil {
		return nil, apperrors.NewProcessingError("downloads are not available", nil)
	}
	result, name, err := s.currentResult(id)
	if err != nil {
		return nil, err
	}
	return s.downloads.DownloadAll(ctx, id, name, result)
}

// ListDownloads 列出会话已保存的文件
func (s *StudioService) ListDownloads(id string) ([]storage.StoredFile, error) {
	if _, err := s.GetSession(id); err != nil {
		return nil, err
	}
	if s.downloads == nil {
		return nil, apperrors.NewProcessingError("downloads are not available", nil)
	}
	return s.downloads.ListDownloads(id)
}

// currentResult 在会话读锁下获取结果和角色名
func (s *StudioService) currentResult(id string) (*models.GenerationResult, string, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, "", err
	}

	var (
		result *models.GenerationResult
		name   string
	)
	err = s.locks.ExecuteWithSessionReadLock(id, func() error {
		result = session.Controller.Result()
		name = session.Controller.Character().DisplayName()
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if result == nil {
		return nil, "", apperrors.NewConflictError("no generated character to download", nil)
	}
	return result, name, nil
}
