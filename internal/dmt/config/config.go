// Package config holds the flat key/value option set the runtime is
// configured with. The teacher repo carries no configuration-file or
// flag-parsing library anywhere in its dependency tree (its own CLI
// dispatches on os.Args by hand), so this package follows the same
// plain-struct-with-defaults idiom rather than reaching for one.
package config

import "time"

// Options is the runtime's full configuration surface, one field per key
// named in the external interfaces' options table.
type Options struct {
	// DMT is the master on/off switch for deterministic scheduling. When
	// false, every wrapper passes through to its native primitive with no
	// turn-scheduler interaction at all.
	DMT bool

	// LogSync enables event-log appending for synchronization and
	// blocking-I/O wrappers.
	LogSync bool

	// LaunchIdleThread starts the idle thread at Init; required for
	// physical-to-logical timeout conversion to ever make progress when no
	// application thread is runnable.
	LaunchIdleThread bool

	// NanosecPerTurn calibrates the clock's physical-to-turn conversion.
	// Zero leaves the clock uncalibrated, and relative-timeout conversions
	// return ErrNoCalibration until it is set.
	NanosecPerTurn time.Duration

	// IgnoreRWRegularFile bypasses serialization for regular-file
	// read/write/close/pread/pwrite.
	IgnoreRWRegularFile bool

	// ExecSleep actually invokes a native sleep after the logical delay,
	// rather than relying purely on logical time.
	ExecSleep bool

	// EnforceNonDetAnnotations honors non_det_start/end markers. Without
	// it, every wrapper treats its caller as deterministic regardless of
	// any annotation the caller made.
	EnforceNonDetAnnotations bool

	// RecordRuntimeStat maintains the stats package's counters and logs
	// them at Fini.
	RecordRuntimeStat bool

	// OutputDir is the directory event-log files are written under.
	OutputDir string
}

// Default returns the option set a fresh runtime starts from: scheduling
// and logging on, the idle thread running, annotations enforced, stats
// recorded, logs under "./dmt-logs". NanosecPerTurn and ExecSleep default
// to zero/off, matching "pure logical time" as the conservative default.
func Default() Options {
	return Options{
		DMT:                      true,
		LogSync:                  true,
		LaunchIdleThread:         true,
		NanosecPerTurn:           0,
		IgnoreRWRegularFile:      false,
		ExecSleep:                false,
		EnforceNonDetAnnotations: true,
		RecordRuntimeStat:        true,
		OutputDir:                "dmt-logs",
	}
}

// Option mutates an Options value; New applies a sequence of them over
// Default().
type Option func(*Options)

// WithDMT overrides the master on/off switch.
func WithDMT(enabled bool) Option { return func(o *Options) { o.DMT = enabled } }

// WithLogSync overrides event-log appending.
func WithLogSync(enabled bool) Option { return func(o *Options) { o.LogSync = enabled } }

// WithIdleThread overrides whether the idle thread is launched.
func WithIdleThread(enabled bool) Option { return func(o *Options) { o.LaunchIdleThread = enabled } }

// WithNanosecPerTurn sets the clock calibration constant.
func WithNanosecPerTurn(d time.Duration) Option {
	return func(o *Options) { o.NanosecPerTurn = d }
}

// WithIgnoreRWRegularFile overrides the regular-file IO bypass.
func WithIgnoreRWRegularFile(enabled bool) Option {
	return func(o *Options) { o.IgnoreRWRegularFile = enabled }
}

// WithExecSleep overrides whether sleeps also run natively.
func WithExecSleep(enabled bool) Option { return func(o *Options) { o.ExecSleep = enabled } }

// WithEnforceNonDetAnnotations overrides annotation enforcement.
func WithEnforceNonDetAnnotations(enabled bool) Option {
	return func(o *Options) { o.EnforceNonDetAnnotations = enabled }
}

// WithRecordRuntimeStat overrides counter collection.
func WithRecordRuntimeStat(enabled bool) Option {
	return func(o *Options) { o.RecordRuntimeStat = enabled }
}

// WithOutputDir overrides the event-log directory.
func WithOutputDir(dir string) Option { return func(o *Options) { o.OutputDir = dir } }

// New builds an Options from Default() with opts applied in order.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
