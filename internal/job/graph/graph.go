// Package graph implements the task dependency graph of a job: acyclicity
// validation, topological ordering and level-parallel batch decomposition.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentrix/agentrix/internal/job/models"
)

// Common errors.
var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrCycle             = errors.New("dependency cycle")
)

// Graph is a DAG of tasks keyed by task id. Insertion order is retained for
// deterministic traversal tie-breaks.
type Graph struct {
	tasks map[string]*models.Task
	order []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*models.Task)}
}

// FromTasks builds a graph from tasks in slice order, validating each
// dependency as it is added and the whole graph for cycles at the end.
func FromTasks(tasks []*models.Task) (*Graph, error) {
	g := New()
	// Two passes: register ids first so forward references inside one plan
	// are accepted, then check dependencies.
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// FromJob builds a graph over a job's current task map.
func FromJob(job *models.Job) (*Graph, error) {
	return FromTasks(job.OrderedTasks())
}

// Add inserts a single task, rejecting unknown dependencies and any edge
// that would introduce a cycle.
func (g *Graph) Add(t *models.Task) error {
	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, ok := g.tasks[dep]; !ok {
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)

	if err := g.Validate(); err != nil {
		delete(g.tasks, t.ID)
		g.order = g.order[:len(g.order)-1]
		return err
	}
	return nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *models.Task {
	return g.tasks[id]
}

// dfs colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current path
	black        // fully explored
)

// Validate runs depth-first cycle detection and reports the task id on the
// first back-edge found.
func (g *Graph) Validate() error {
	color := make(map[string]int, len(g.tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w involving task %s", ErrCycle, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoOrder returns task ids in dependency order using Kahn's algorithm.
// Ties are broken by insertion order, so the result is deterministic.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, id := range g.order {
		indegree[id] = len(g.tasks[id].DependsOn)
		for _, dep := range g.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	result := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		result = append(result, id)

		released := make([]string, 0, len(dependents[id]))
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				released = append(released, next)
			}
		}
		sortByInsertion(released, g.order)
		frontier = append(frontier, released...)
	}

	if len(result) != len(g.tasks) {
		return nil, fmt.Errorf("%w detected during topological sort", ErrCycle)
	}
	return result, nil
}

// ParallelBatches decomposes the graph into levels: each batch is the set of
// tasks whose dependencies are all in earlier batches, so all tasks of a
// batch become ready simultaneously once the previous batch is done.
func (g *Graph) ParallelBatches() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(g.tasks))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		maxDep := -1
		for _, dep := range g.tasks[id].DependsOn {
			if d := depthOf(dep); d > maxDep {
				maxDep = d
			}
		}
		depth[id] = maxDep + 1
		return depth[id]
	}

	maxDepth := 0
	for _, id := range g.order {
		if d := depthOf(id); d > maxDepth {
			maxDepth = d
		}
	}

	batches := make([][]string, maxDepth+1)
	for _, id := range g.order {
		d := depth[id]
		batches[d] = append(batches[d], id)
	}
	return batches, nil
}

// ReadyTasks returns ids of tasks whose status is pending and whose
// dependencies are all done, in insertion order. Fallback tasks are also
// ready once every dependency reached a terminal state.
func (g *Graph) ReadyTasks() []string {
	var ready []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != models.TaskStatusPending {
			continue
		}
		if g.depsSatisfied(t) {
			ready = append(ready, id)
		}
	}
	return ready
}

// SkippableTasks returns ids of pending non-fallback tasks with at least one
// dependency in failed or skipped state: the branch is pruned.
func (g *Graph) SkippableTasks() []string {
	var skippable []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != models.TaskStatusPending || t.Fallback {
			continue
		}
		for _, dep := range t.DependsOn {
			s := g.tasks[dep].Status
			if s == models.TaskStatusFailed || s == models.TaskStatusSkipped {
				skippable = append(skippable, id)
				break
			}
		}
	}
	return skippable
}

func (g *Graph) depsSatisfied(t *models.Task) bool {
	for _, dep := range t.DependsOn {
		s := g.tasks[dep].Status
		if t.Fallback {
			if !s.Terminal() {
				return false
			}
			continue
		}
		if s != models.TaskStatusDone {
			return false
		}
	}
	return true
}

func sortByInsertion(ids []string, order []string) {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
}
