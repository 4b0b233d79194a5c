package ndjson

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReadLine(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\n\n{\"b\":2}\n"))

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	// Empty lines are skipped.
	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))

	_, err = r.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestReader_LargeLine(t *testing.T) {
	payload := strings.Repeat("x", 2*1024*1024)
	r := NewReader(strings.NewReader(`{"data":"` + payload + `"}` + "\n"))

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, len(payload)+11)
}

func TestWriter_WriteMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteMessage(map[string]int{"n": 7}))
	require.NoError(t, w.WriteMessage(map[string]string{"s": "ok"}))

	assert.Equal(t, "{\"n\":7}\n{\"s\":\"ok\"}\n", buf.String())
}
