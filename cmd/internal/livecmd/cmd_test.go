package livecmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunE_RequiresDestHostAndPort(t *testing.T) {
	destHostFlag, destPortFlag = "", 0
	err := Cmd.RunE(Cmd, nil)
	assert.Error(t, err)
}
