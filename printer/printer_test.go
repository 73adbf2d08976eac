package printer

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestInfofWritesToUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	p := NewP(&buf)
	p.Infof("listening on %s\n", "127.0.0.1:5190")
	assert.Contains(t, buf.String(), "listening on 127.0.0.1:5190")
}

func TestWarningfAndErrorfWriteToUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	p := NewP(&buf)
	p.Warningf("%d packets\n", 3)
	p.Errorf("%v\n", assert.AnError)

	out := buf.String()
	assert.Contains(t, out, "3 packets")
	assert.Contains(t, out, assert.AnError.Error())
}

func TestDebugfGatedByViperDebugFlag(t *testing.T) {
	defer viper.Set("debug", false)

	var buf bytes.Buffer
	p := NewP(&buf)

	viper.Set("debug", false)
	p.Debugf("hidden\n")
	assert.Empty(t, buf.String())

	viper.Set("debug", true)
	p.Debugf("shown\n")
	assert.Contains(t, buf.String(), "shown")
}
