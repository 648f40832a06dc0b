package dispose

import (
	"context"
)

// ResourceBase 通用资源管理基类
type ResourceBase struct {
	Dispose
	name string
}

// NewResourceBase 创建新的资源基类
func NewResourceBase(name string) *ResourceBase {
	return &ResourceBase{name: name}
}

// Initialize 初始化资源，设置上下文和清理回调
func (r *ResourceBase) Initialize(parentCtx context.Context) {
	r.SetCtx(parentCtx, r.onClose)
}

func (r *ResourceBase) onClose() error {
	Infof("%s resources cleaned up", r.name)
	return nil
}

// GetName 获取资源名称
func (r *ResourceBase) GetName() string {
	return r.name
}

// ManagerBase 标准管理器基类
type ManagerBase struct {
	*ResourceBase
}

// ServiceBase 标准服务基类
type ServiceBase struct {
	*ResourceBase
}

// NewManager 创建标准管理器
func NewManager(name string, parentCtx context.Context) *ManagerBase {
	manager := &ManagerBase{ResourceBase: NewResourceBase(name)}
	manager.Initialize(parentCtx)
	return manager
}

// NewService 创建标准服务
func NewService(name string, parentCtx context.Context) *ServiceBase {
	service := &ServiceBase{ResourceBase: NewResourceBase(name)}
	service.Initialize(parentCtx)
	return service
}
