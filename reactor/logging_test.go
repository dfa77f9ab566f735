package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatal_logsAtAlertThenExits(t *testing.T) {
	interceptFatal(t)
	var out syncBuffer
	logger := newTestLogger(&out)

	require.PanicsWithValue(t, fatalExit(1), func() {
		fatal(logger, errors.New("boom"), "something unrecoverable")
	})
	assert.Contains(t, out.String(), `"lvl":"alert"`)
	assert.Contains(t, out.String(), `"err":"boom"`)
	assert.Contains(t, out.String(), `"msg":"something unrecoverable"`)
}

func TestFatal_nilLoggerStillExits(t *testing.T) {
	interceptFatal(t)
	require.PanicsWithValue(t, fatalExit(1), func() {
		fatal(nil, errors.New("boom"), "no logger")
	})
}

func TestChildLogger(t *testing.T) {
	assert.Nil(t, childLogger(nil, "k", "v"))

	var out syncBuffer
	child := childLogger(newTestLogger(&out), "conn", "srv-127.0.0.1:1#1")
	require.NotNil(t, child)
	child.Info().Log("hi")
	assert.Contains(t, out.String(), `"conn":"srv-127.0.0.1:1#1"`)
}
