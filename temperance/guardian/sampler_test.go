package guardian

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleSelf(t *testing.T) {
	sample, err := NewSampler().Sample(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sample.PID)
	assert.True(t, sample.ResidentKB > 0)
	assert.False(t, sample.Taken.IsZero())
}

func TestSampleMissingProcess(t *testing.T) {
	// Well above the maximum PID on any sensible system.
	_, err := NewSampler().Sample(context.Background(), 1<<30)
	assert.True(t, errors.Is(err, ErrSampleUnavailable))
}
