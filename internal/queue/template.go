package queue

import (
	"fmt"
	"time"
)

// TemplateSpec binds a job template name to its queue, retry budget, lease
// TTL and handler. The table is built once at startup; there is no runtime
// string dispatch beyond the single map lookup.
type TemplateSpec struct {
	Name        string
	Queue       string
	MaxAttempts int
	LeaseTTL    time.Duration
	Handler     Handler
}

// Register installs template specs. Duplicate names and unknown queues are
// configuration errors.
func (m *Manager) Register(specs ...TemplateSpec) error {
	for _, spec := range specs {
		if spec.Name == "" || spec.Handler == nil {
			return fmt.Errorf("queue: template spec needs name and handler (got %q)", spec.Name)
		}
		if _, dup := m.templates[spec.Name]; dup {
			return fmt.Errorf("queue: duplicate template %q", spec.Name)
		}
		if _, ok := m.queues[spec.Queue]; !ok {
			return fmt.Errorf("queue: template %q references unknown queue %q", spec.Name, spec.Queue)
		}
		if spec.MaxAttempts <= 0 {
			spec.MaxAttempts = 1
		}
		if spec.LeaseTTL <= 0 {
			spec.LeaseTTL = 5 * time.Minute
		}
		m.templates[spec.Name] = spec
	}
	return nil
}
