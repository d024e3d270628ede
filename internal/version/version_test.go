package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersion(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	Version, Commit = "v1.0.0", ""
	assert.Equal(t, "v1.0.0", GetVersion())

	Commit = "abc123"
	assert.Equal(t, "v1.0.0+abc123", GetVersion())
}
