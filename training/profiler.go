package training

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"
)

// ProfileFile is the name of the CPU profile written into the run directory.
const ProfileFile = "profile.pprof"

// Profiler captures a CPU profile covering the first few training batches
// of a run. A nil Profiler is inert, so callers hold one only when
// profiling is enabled.
type Profiler struct {
	path      string
	batches   int
	verbosity int

	file    *os.File
	started time.Time
	count   int
	done    bool
}

// NewProfiler creates a profiler that records the first batches training
// batches and writes the profile into dir.
func NewProfiler(dir string, batches, verbosity int) *Profiler {
	if batches <= 0 {
		batches = 4
	}
	return &Profiler{
		path:      filepath.Join(dir, ProfileFile),
		batches:   batches,
		verbosity: verbosity,
	}
}

// BatchStart begins profiling on the first call. Safe to call every batch.
func (p *Profiler) BatchStart() error {
	if p == nil || p.done || p.file != nil {
		return nil
	}
	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("failed to create profile file: %v", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start cpu profile: %v", err)
	}
	p.file = f
	p.started = time.Now()
	if p.verbosity > 0 {
		fmt.Printf("profiling %d batches to %s\n", p.batches, p.path)
	}
	return nil
}

// BatchEnd counts a finished batch and stops the profile once enough
// batches were observed.
func (p *Profiler) BatchEnd() error {
	if p == nil || p.done || p.file == nil {
		return nil
	}
	p.count++
	if p.count < p.batches {
		return nil
	}
	return p.Stop()
}

// Stop ends profiling early, for example when the run is interrupted. It is
// safe to call more than once.
func (p *Profiler) Stop() error {
	if p == nil || p.file == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.file.Close()
	p.file = nil
	p.done = true
	if err != nil {
		return fmt.Errorf("failed to close profile file: %v", err)
	}
	if p.verbosity > 0 {
		fmt.Printf("profile of %d batches written to %s (%.2fs)\n",
			p.count, p.path, time.Since(p.started).Seconds())
	}
	if p.verbosity > 1 {
		fmt.Printf("inspect with: go tool pprof %s\n", p.path)
	}
	return nil
}

// Done reports whether the profile has been captured and closed.
func (p *Profiler) Done() bool {
	return p != nil && p.done
}
