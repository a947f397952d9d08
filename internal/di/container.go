// internal/di/container.go
package di

import (
	"fmt"
	"sort"
	"sync"
)

// 组件名称
const (
	Config   = "config"
	Logger   = "logger"
	Metrics  = "metrics"
	LLM      = "llm"
	Comfy    = "comfy"
	Hub      = "hub"
	Pipeline = "pipeline"
	WS       = "ws"
)

// Container 按名称保存已装配好的组件，启动检查和调试接口从这里读取
type Container struct {
	services map[string]interface{}
	mutex    sync.RWMutex
}

// NewContainer 创建一个新的容器
func NewContainer() *Container {
	return &Container{
		services: make(map[string]interface{}),
	}
}

// Register 注册组件，重复注册会覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 获取组件，不存在时返回 nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}

// Has 检查组件是否已注册
func (c *Container) Has(name string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.services[name]
	return exists
}

// Names 返回所有已注册组件的名称（已排序）
func (c *Container) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing 返回 required 中尚未注册的名称
func (c *Container) Missing(required ...string) []string {
	var missing []string
	for _, name := range required {
		if !c.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Resolve 按名称取出组件并断言为 T
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	service := c.Get(name)
	if service == nil {
		return zero, fmt.Errorf("组件未注册: %s", name)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("组件 %s 类型不匹配: %T", name, service)
	}
	return typed, nil
}
