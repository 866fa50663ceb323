package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseJobLimit(t *testing.T) {
	var l JobLimit
	err := l.UnmarshalFlag("allocate=500MiB")
	assert.NoError(t, err)
	assert.Equal(t, "allocate", l.Job)
	assert.EqualValues(t, 500*1024*1024, l.Bytes)
	assert.EqualValues(t, 500*1024, l.KB())
}

func TestParseJobLimitBareNumber(t *testing.T) {
	var l JobLimit
	err := l.UnmarshalFlag("sleep=2048")
	assert.NoError(t, err)
	assert.Equal(t, "sleep", l.Job)
	assert.EqualValues(t, 2, l.KB())
}

func TestParseJobLimitSI(t *testing.T) {
	var l JobLimit
	err := l.UnmarshalFlag("reports.monthly=1GB")
	assert.NoError(t, err)
	assert.Equal(t, "reports.monthly", l.Job)
	assert.EqualValues(t, 1000000000, l.Bytes)
}

func TestParseJobLimitFail(t *testing.T) {
	var l JobLimit
	err := l.UnmarshalFlag("thirty-five ham and cheese sandwiches")
	assert.Error(t, err)
}

func TestParseJobLimitBadSize(t *testing.T) {
	var l JobLimit
	err := l.UnmarshalFlag("allocate=lots")
	assert.Error(t, err)
}

func TestParseJobLimitTooSmall(t *testing.T) {
	var l JobLimit
	assert.Error(t, l.UnmarshalFlag("allocate=1000"))
	assert.Error(t, l.UnmarshalFlag("allocate=0"))
	assert.NoError(t, l.UnmarshalFlag("allocate=1KiB"))
	assert.EqualValues(t, 1, l.KB())
}

func TestJobLimits(t *testing.T) {
	assert.Equal(t, map[string]uint64{
		"allocate": 2048,
		"sleep":    1,
	}, JobLimits([]JobLimit{
		{Job: "allocate", Bytes: 1024 * 1024},
		{Job: "sleep", Bytes: 1024},
		{Job: "allocate", Bytes: 2 * 1024 * 1024},
	}))
}
