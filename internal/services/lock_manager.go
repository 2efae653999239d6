// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 为每个会话分配读写锁
type LockManager struct {
	sessionLocks  map[string]*LockInfo
	globalLock    sync.RWMutex
	lockTTL       time.Duration
	maxLocks      int
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// LockInfo 锁及其最后使用时间
type LockInfo struct {
	Mutex    *sync.RWMutex
	LastUsed time.Time
	refs     int
}

// NewLockManager 创建锁管理器并启动后台清理
func NewLockManager() *LockManager {
	lm := &LockManager{
		sessionLocks: make(map[string]*LockInfo),
		lockTTL:      30 * time.Minute,
		maxLocks:     200,
		stopCh:       make(chan struct{}),
	}

	lm.startCleanup()
	return lm
}

// acquire 获取会话锁（不存在时创建）并增加引用计数
func (lm *LockManager) acquire(sessionID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	lockInfo, exists := lm.sessionLocks[sessionID]
	if !exists {
		lockInfo = &LockInfo{Mutex: &sync.RWMutex{}}
		lm.sessionLocks[sessionID] = lockInfo
	}
	lockInfo.LastUsed = time.Now()
	lockInfo.refs++
	return lockInfo
}

func (lm *LockManager) release(lockInfo *LockInfo) {
	lm.globalLock.Lock()
	lockInfo.refs--
	lockInfo.LastUsed = time.Now()
	lm.globalLock.Unlock()
}

// ExecuteWithSessionLock 持有会话写锁执行 fn
func (lm *LockManager) ExecuteWithSessionLock(sessionID string, fn func() error) error {
	lockInfo := lm.acquire(sessionID)
	defer lm.release(lockInfo)

	lockInfo.Mutex.Lock()
	defer lockInfo.Mutex.Unlock()
	return fn()
}

// ExecuteWithSessionReadLock 持有会话读锁执行 fn
func (lm *LockManager) ExecuteWithSessionReadLock(sessionID string, fn func() error) error {
	lockInfo := lm.acquire(sessionID)
	defer lm.release(lockInfo)

	lockInfo.Mutex.RLock()
	defer lockInfo.Mutex.RUnlock()
	return fn()
}

// Forget 删除已删除会话的锁（无人持有时）
func (lm *LockManager) Forget(sessionID string) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	if lockInfo, exists := lm.sessionLocks[sessionID]; exists && lockInfo.refs == 0 {
		delete(lm.sessionLocks, sessionID)
	}
}

// Count 当前锁数量
func (lm *LockManager) Count() int {
	lm.globalLock.RLock()
	defer lm.globalLock.RUnlock()
	return len(lm.sessionLocks)
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() {
		close(lm.stopCh)
		lm.cleanupTicker.Stop()
	})
}

func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-lm.stopCh:
				return
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks()
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 锁数量较多时才清理
	if len(lm.sessionLocks) <= lm.maxLocks {
		return 0
	}

	removed := 0
	now := time.Now()
	for sessionID, lockInfo := range lm.sessionLocks {
		if lockInfo.refs == 0 && now.Sub(lockInfo.LastUsed) > lm.lockTTL {
			delete(lm.sessionLocks, sessionID)
			removed++
		}
	}
	return removed
}
