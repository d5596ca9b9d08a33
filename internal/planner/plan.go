// Package planner decomposes a build request into an ordered,
// dependency-aware task list and drives the self-correction loop.
package planner

import (
	"fmt"
	"strings"
)

// TaskStatus tracks a task through execution.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of generation work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Context     string     `json:"context,omitempty"`
	Status      TaskStatus `json:"status"`
}

// Plan is an ordered sequence of tasks forming a directed acyclic graph.
type Plan struct {
	Tasks []Task `json:"tasks"`

	// Attempt counts self-correction iterations; 0 is the first plan.
	Attempt int `json:"attempt"`

	// Diagnostics accumulates prior failure messages, newest last. Each
	// revision folds them into the next attempt's task context.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Validate checks that every dependency exists and the graph is acyclic.
// A cyclic plan is a validation error and must never reach the generator.
func (p *Plan) Validate() error {
	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if _, err := p.ExecutionOrder(); err != nil {
		return err
	}
	return nil
}

// ExecutionOrder returns task IDs in a topological order (Kahn's algorithm).
// Ties resolve in plan order so execution is deterministic.
func (p *Plan) ExecutionOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var order []string
	ready := make(map[string]bool)
	for {
		progressed := false
		for _, t := range p.Tasks {
			if ready[t.ID] || indegree[t.ID] != 0 {
				continue
			}
			ready[t.ID] = true
			order = append(order, t.ID)
			for _, d := range dependents[t.ID] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(order) != len(p.Tasks) {
		var stuck []string
		for _, t := range p.Tasks {
			if !ready[t.ID] {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving tasks: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// TaskByID returns a pointer into the plan's task slice, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}
