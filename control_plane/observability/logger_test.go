package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", true)

	log.Info("dropped")
	log.Warn("kept", "service_id", "orders")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"service_id":"orders"`)
}

func TestOrDiscardNil(t *testing.T) {
	log := OrDiscard(nil)
	assert.NotNil(t, log)
	log.Error("nowhere")
}
