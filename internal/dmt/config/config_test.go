package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	o := Default()
	assert.True(t, o.DMT)
	assert.True(t, o.LogSync)
	assert.True(t, o.LaunchIdleThread)
	assert.Equal(t, time.Duration(0), o.NanosecPerTurn)
	assert.False(t, o.IgnoreRWRegularFile)
	assert.False(t, o.ExecSleep)
	assert.True(t, o.EnforceNonDetAnnotations)
	assert.True(t, o.RecordRuntimeStat)
	assert.Equal(t, "dmt-logs", o.OutputDir)
}

func TestEachOptionOverridesItsField(t *testing.T) {
	o := New(
		WithDMT(false),
		WithLogSync(false),
		WithIdleThread(false),
		WithNanosecPerTurn(250*time.Nanosecond),
		WithIgnoreRWRegularFile(true),
		WithExecSleep(true),
		WithEnforceNonDetAnnotations(false),
		WithRecordRuntimeStat(false),
		WithOutputDir("custom-logs"),
	)

	assert.False(t, o.DMT)
	assert.False(t, o.LogSync)
	assert.False(t, o.LaunchIdleThread)
	assert.Equal(t, 250*time.Nanosecond, o.NanosecPerTurn)
	assert.True(t, o.IgnoreRWRegularFile)
	assert.True(t, o.ExecSleep)
	assert.False(t, o.EnforceNonDetAnnotations)
	assert.False(t, o.RecordRuntimeStat)
	assert.Equal(t, "custom-logs", o.OutputDir)
}

func TestNewWithNoOptionsReturnsDefault(t *testing.T) {
	assert.Equal(t, Default(), New())
}
