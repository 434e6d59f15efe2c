package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: WARN, Output: &buf, Format: FormatText})

	l.Info("should be dropped")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithComponentAndFieldPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: DEBUG, Output: &buf, Format: FormatText})
	sub := l.WithComponent("pool").WithField("pool_name", "fuse")

	sub.Info("rebalanced")
	out := buf.String()
	assert.True(t, strings.Contains(out, "pool:"))
	assert.True(t, strings.Contains(out, "pool_name=fuse"))
}

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: ERROR, Output: &buf, Format: FormatText})
	l.SetComponentLevel("syncengine", DEBUG)

	sub := l.WithComponent("syncengine")
	sub.Debug("tick")
	assert.Contains(t, buf.String(), "tick")

	other := l.WithComponent("vault")
	other.Debug("ignored")
	assert.NotContains(t, buf.String(), "ignored")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: INFO, Output: &buf, Format: FormatJSON})
	l.Info("hello", "key", "value")
	assert.Contains(t, buf.String(), `"message":"hello"`)
	assert.Contains(t, buf.String(), `"key":"value"`)
}
