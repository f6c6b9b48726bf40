// Package jobservice is a reference Remote Job Service: it accepts start
// requests for registered models, runs them on queue workers under a
// server-side deadline, and answers status requests until they finish.
package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrInvalidInput = errors.New("invalid model input")
)

// Input is what a model receives: the start request's query and JSON body.
type Input struct {
	Query url.Values
	Body  json.RawMessage
}

// Decode unmarshals the body into v, reporting ErrInvalidInput on failure.
func (in Input) Decode(v interface{}) error {
	if len(in.Body) == 0 {
		return fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	if err := json.Unmarshal(in.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Model computes a result. It must honour ctx, which carries the job deadline.
type Model func(ctx context.Context, in Input) (json.RawMessage, error)

// Task names one registered model.
type Task struct {
	Type string
	Name string
}

func (t Task) String() string { return t.Type + "/" + t.Name }

// Registry maps task type and name to models.
type Registry struct {
	mu     sync.RWMutex
	models map[Task]Model
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[Task]Model)}
}

// Register adds a model. "jobs" is reserved as a task name because it
// addresses existing jobs in the URL scheme.
func (r *Registry) Register(taskType, taskName string, m Model) error {
	if taskType == "" || taskName == "" || m == nil {
		return fmt.Errorf("register %q/%q: type, name and model are required", taskType, taskName)
	}
	if taskName == "jobs" {
		return fmt.Errorf("register %s/jobs: task name is reserved", taskType)
	}
	t := Task{Type: taskType, Name: taskName}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[t]; ok {
		return fmt.Errorf("register %s: already registered", t)
	}
	r.models[t] = m
	return nil
}

// Lookup returns the model for a task.
func (r *Registry) Lookup(taskType, taskName string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[Task{Type: taskType, Name: taskName}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownTask, taskType, taskName)
	}
	return m, nil
}

// Tasks lists registered tasks in type, name order.
func (r *Registry) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]Task, 0, len(r.models))
	for t := range r.models {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Type != tasks[j].Type {
			return tasks[i].Type < tasks[j].Type
		}
		return tasks[i].Name < tasks[j].Name
	})
	return tasks
}

// DefaultRegistry holds the built-in models.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("modeling", "tr55", TR55)
	_ = r.Register("analyze", "stats", Stats)
	return r
}
