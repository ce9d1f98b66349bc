package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "1.4.0"
	assert.Contains(t, String(), "hostprof 1.4.0 (commit ")
}
