package sessionscmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCmd_RegistersListRecoverDelete(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range Cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["recover"])
	assert.True(t, names["delete"])
}
