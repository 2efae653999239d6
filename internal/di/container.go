// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// 服务名称，由 app.InitServices 注册
const (
	ServiceStudio     = "studio"
	ServiceProgress   = "progress"
	ServiceDownload   = "download"
	ServiceStorage    = "storage"
	ServiceImageCache = "image_cache"
	ServiceLocks      = "locks"
	ServiceMetrics    = "metrics"
	ServiceEvents     = "events"
)

// Container 依赖注入容器
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

var (
	globalContainer *Container
	once            sync.Once
)

// NewContainer 创建空容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]interface{}),
	}
}

// GetContainer 获取全局容器实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = NewContainer()
	})
	return globalContainer
}

// Register 注册服务，同名服务会被替换
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 获取服务，未注册时返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// Has 检查服务是否已注册
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.services[name]
	return exists
}

// Remove 移除服务
func (c *Container) Remove(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.services, name)
}

// Clear 清空所有服务
func (c *Container) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services = make(map[string]interface{})
}

// GetNames 返回已注册的服务名称（已排序）
func (c *Container) GetNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Resolve 获取服务并进行类型断言
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T

	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("service %q is not registered", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T, want %T", name, service, zero)
	}
	return typed, nil
}
