package runtime

import (
	"fmt"
	"sync"
)

// Handler executes one task type. The worker resolves handlers by the
// task_run row's task_type column.
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

// Registry maps task types to handlers. Registration happens once at
// startup; Get runs on every claim, so reads take the shared lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("register: nil handler")
	}
	taskType := h.Type()
	if taskType == "" {
		return fmt.Errorf("register: handler has empty task type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("register: duplicate handler for task_type=%s", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
