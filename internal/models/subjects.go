package models

import "fmt"

// Subjects builds bus subjects under a common prefix.
type Subjects struct {
	Prefix string
}

// NodesInfo is the scatter-gather subject every node agent answers.
func (s Subjects) NodesInfo() string {
	return s.Prefix + ".nodes.info"
}

// Task is the subject remote calls of function are published on.
func (s Subjects) Task(function string) string {
	return fmt.Sprintf("%s.tasks.%s", s.Prefix, function)
}

// TaskWildcard matches every task subject.
func (s Subjects) TaskWildcard() string {
	return s.Prefix + ".tasks.*"
}

// WorkerQueue is the queue group node agents join for task subjects.
func (s Subjects) WorkerQueue() string {
	return s.Prefix + ".workers"
}

// Actors is the actor control subject of one node.
func (s Subjects) Actors(nodeID string) string {
	return fmt.Sprintf("%s.node.%s.actors", s.Prefix, nodeID)
}

// SubjectToken makes s usable as a single subject token by replacing separators and wildcards.
func SubjectToken(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			out[i] = '-'
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
