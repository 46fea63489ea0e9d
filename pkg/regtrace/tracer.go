package regtrace

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/regtrace/regtrace/pkg/logflags"
)

// Config configures a Tracer.
type Config struct {
	// Entry is the address (or symbol) that starts recording.
	Entry EntryPoint
	// ExclusionMarkers are the names of the sections never instrumented.
	// If nil DefaultExclusionMarkers is used.
	ExclusionMarkers []string
	// ExclusionPolicy selects which sections are excluded when several
	// match.
	ExclusionPolicy ExclusionPolicy
	// Table overrides the register table selected from the pointer size
	// of the traced image.
	Table *RegisterTable
	// Output receives the trace. Defaults to os.Stderr.
	Output io.Writer
}

// Stats are counters describing a tracing session.
type Stats struct {
	Discovered   uint64 // instructions discovered
	Instrumented uint64 // instructions that received a capture hook
	Captures     uint64 // hook invocations, before the trigger gate
	Lines        uint64 // lines written
	Dropped      uint64 // lines lost to register read or write errors
}

type tracedImage struct {
	ImageRanges
	formatter *Formatter
}

// Tracer holds the state shared by all callbacks of a tracing session.
// It is safe for concurrent use: captures may run on any number of
// threads at once.
type Tracer struct {
	cfg     Config
	markers *MarkerSet
	host    Host

	// entry is 0 until the entry point is known. It is only ever
	// changed once.
	entry atomic.Uint64
	// traced is nil until the image containing the entry point has been
	// scanned. It is only ever changed once.
	traced atomic.Pointer[tracedImage]

	// mu serializes the trigger transition, formatting and writing so
	// that every line is written whole.
	mu       sync.Mutex
	trigger  Trigger
	out      io.Writer
	line     []byte
	writeErr error

	discovered, instrumented, captures, lines, dropped atomic.Uint64

	log  logflags.Logger
	diag logflags.Logger
}

// New returns a Tracer configured by cfg.
func New(cfg Config) *Tracer {
	if cfg.ExclusionMarkers == nil {
		cfg.ExclusionMarkers = DefaultExclusionMarkers
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	t := &Tracer{
		cfg:     cfg,
		markers: NewMarkerSet(cfg.ExclusionMarkers...),
		out:     cfg.Output,
		log:     logflags.TracerLogger(),
		diag:    logflags.DiagnosticsLogger(),
	}
	if cfg.Entry.Symbol == "" {
		t.entry.Store(cfg.Entry.Addr)
	}
	if cfg.Entry.IsZero() {
		t.diag.Warn("entry point is 0: recording will never start, set --entrypoint")
	}
	return t
}

// Attach registers the tracer's callbacks with host.
func (t *Tracer) Attach(host Host) {
	t.host = host
	host.AddImageLoadFunc(t.ImageLoaded)
	host.AddInstructionFunc(t.InstructionDiscovered)
	host.AddFiniFunc(t.Fini)
}

// EntryPoint returns the resolved entry address. The second return value
// is false while a symbolic entry point has not been resolved or if the
// entry point is 0.
func (t *Tracer) EntryPoint() (uint64, bool) {
	e := t.entry.Load()
	return e, e != 0
}

// Ranges returns the result of scanning the traced image. The second
// return value is false until the image containing the entry point has
// been loaded.
func (t *Tracer) Ranges() (ImageRanges, bool) {
	ti := t.traced.Load()
	if ti == nil {
		return ImageRanges{}, false
	}
	return ti.ImageRanges, true
}

// Recording returns true once the entry point has been executed.
func (t *Tracer) Recording() bool {
	return t.trigger.On()
}

// Stats returns the tracer's counters.
func (t *Tracer) Stats() Stats {
	return Stats{
		Discovered:   t.discovered.Load(),
		Instrumented: t.instrumented.Load(),
		Captures:     t.captures.Load(),
		Lines:        t.lines.Load(),
		Dropped:      t.dropped.Load(),
	}
}

// Err returns the first error encountered writing the trace.
func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeErr
}

// ImageLoaded is the image load callback. Only the image that contains the
// entry point changes the tracer's state, and only the first time.
func (t *Tracer) ImageLoaded(img *Image) {
	log := t.log.WithField("image", img.Name)
	if t.traced.Load() != nil {
		log.Debugf("already tracing, ignoring %s", img.Range())
		return
	}

	entry, ok := t.EntryPoint()
	if !ok && t.cfg.Entry.Symbol != "" && img.Symbols != nil {
		if addr, found := img.Symbols.LookupSymbol(t.cfg.Entry.Symbol); found && addr != 0 {
			if t.entry.CompareAndSwap(0, addr) {
				log.Infof("entry point %s resolved to %#x", t.cfg.Entry.Symbol, addr)
			}
			entry, ok = t.EntryPoint()
		}
	}
	if !ok {
		return
	}

	r, found := ScanImage(img, entry, t.markers, t.cfg.ExclusionPolicy)
	if !found {
		log.Debugf("entry point %#x not in %s", entry, img.Range())
		return
	}

	table := t.cfg.Table
	if table == nil {
		var err error
		table, err = RegisterTableForPtrSize(img.PtrSize)
		if err != nil {
			t.diag.Errorf("image %s contains the entry point but can not be traced: %v", img.Name, err)
			return
		}
	}

	if !t.traced.CompareAndSwap(nil, &tracedImage{ImageRanges: r, formatter: NewFormatter(table)}) {
		return
	}

	log.Infof("tracing %s with %s, excluding %v", r.Inclusion, table, r.Exclusion)
	switch {
	case len(r.Matched) == 0:
		t.diag.Warnf("image %s has no %v section, nothing is excluded", img.Name, t.markers.Names())
	case len(r.Matched) > 1:
		t.diag.Warnf("image %s has %d sections matching %v, excluding %s (policy %s)", img.Name, len(r.Matched), t.markers.Names(), rangesString(r.Exclusion), t.cfg.ExclusionPolicy)
	}

	if t.host != nil {
		// Instructions discovered before this point were refused, have
		// them evaluated again against the final ranges.
		t.host.FlushCodeCache()
	}
}

// InstructionDiscovered is the instruction discovery callback. It inserts
// a capture hook before eligible instructions. Instructions discovered
// before the traced image has been scanned are never eligible.
func (t *Tracer) InstructionDiscovered(ins Instruction) {
	t.discovered.Add(1)
	ti := t.traced.Load()
	if ti == nil {
		return
	}
	addr := ins.Address()
	if !Eligible(addr, ti.Inclusion, ti.Exclusion) {
		return
	}
	t.instrumented.Add(1)
	if logflags.Tracer() {
		t.log.Debugf("instrumenting %#x", addr)
	}
	ins.InsertCallBefore(t.Capture)
}

// Capture is the hook inserted before eligible instructions. It writes one
// line once the trigger has fired.
func (t *Tracer) Capture(regs RegisterFile) {
	ti := t.traced.Load()
	if ti == nil {
		return
	}
	t.captures.Add(1)
	pc := ti.formatter.Table().PC()
	ip, err := regs.Reg(pc.Reg)
	if err != nil {
		t.dropped.Add(1)
		t.log.Errorf("could not read %s: %v", pc.Name, err)
		return
	}
	entry, _ := t.EntryPoint()

	t.mu.Lock()
	defer t.mu.Unlock()

	wasOn := t.trigger.On()
	if !t.trigger.Observe(ip, entry) {
		return
	}
	if !wasOn {
		t.log.Infof("entry point %#x reached, recording", entry)
	}

	line, err := ti.formatter.AppendLine(t.line[:0], regs)
	if err != nil {
		t.dropped.Add(1)
		t.log.Errorf("dropping line at %#x: %v", ip, err)
		return
	}
	line = append(line, '\n')
	t.line = line
	if _, err := t.out.Write(line); err != nil {
		t.dropped.Add(1)
		if t.writeErr == nil {
			t.writeErr = err
			t.diag.Errorf("could not write trace: %v", err)
		}
		return
	}
	t.lines.Add(1)
}

// Fini is called when the traced process exits. It reports why a trace
// is empty, if it is, and flushes the output.
func (t *Tracer) Fini(exitCode int) {
	entry, resolved := t.EntryPoint()
	switch {
	case !resolved && t.cfg.Entry.Symbol != "":
		t.diag.Warnf("entry point symbol %s not found in any loaded image, trace is empty", t.cfg.Entry.Symbol)
	case !resolved:
		// already reported by New
	case t.traced.Load() == nil:
		t.diag.Warnf("entry point %#x not found in any loaded image, trace is empty", entry)
	case !t.trigger.On():
		t.diag.Warnf("entry point %#x was never executed, trace is empty", entry)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.out.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil && t.writeErr == nil {
			t.writeErr = err
		}
	}
	st := t.Stats()
	t.log.Infof("process exited with status %d: %d instructions discovered, %d instrumented, %d lines written, %d dropped", exitCode, st.Discovered, st.Instrumented, st.Lines, st.Dropped)
}

func rangesString(rs []AddressRange) string {
	s := ""
	for i, r := range rs {
		if i > 0 {
			s += " "
		}
		s += r.String()
	}
	return s
}
