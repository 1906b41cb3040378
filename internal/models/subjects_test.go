package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "clustercheck"}
	assert.Equal(t, "clustercheck.nodes.info", s.NodesInfo())
	assert.Equal(t, "clustercheck.tasks.hostname", s.Task(FunctionHostname))
	assert.Equal(t, "clustercheck.tasks.*", s.TaskWildcard())
	assert.Equal(t, "clustercheck.workers", s.WorkerQueue())
	assert.Equal(t, "clustercheck.node.node-a.actors", s.Actors("node-a"))
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "node-ip-10-0-0-1", SubjectToken("node-ip-10.0.0.1"))
	assert.Equal(t, "a-b-c", SubjectToken("a*b>c"))
	assert.Equal(t, "unknown", SubjectToken(""))
}
