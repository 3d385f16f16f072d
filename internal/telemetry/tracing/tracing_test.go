package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndSpanWithErrCheck(t *testing.T) {
	_, span := GlobalTracer.Start(context.Background(), "test.ok")
	EndSpanWithErrCheck(span, nil)
	assert.False(t, span.IsRecording())

	_, span = GlobalTracer.Start(context.Background(), "test.err")
	EndSpanWithErrCheck(span, errors.New("boom"))
	assert.False(t, span.IsRecording())
}

func TestHoneycombSetup_Disabled(t *testing.T) {
	shutdown, err := HoneycombSetup(false, "fitsync-test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}
