package logging

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DropsDebugLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, false)

	logger.Printf("[DEBUG] hidden %d", 1)
	logger.Printf("[INFO] shown")
	logger.Printf("[WARN] also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] shown")
	assert.Contains(t, out, "[WARN] also shown")
}

func TestNew_DebugMode(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, true).Printf("[DEBUG] visible")
	assert.Contains(t, buf.String(), "[DEBUG] visible")
}

func TestConfigure(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	t.Cleanup(func() { log.SetOutput(orig) })

	Configure(&buf, false)
	log.Printf("[DEBUG] dropped")
	log.Printf("[ERROR] kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "[ERROR] kept")
}
