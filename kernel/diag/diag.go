// Package diag implements panic/fault diagnostics for the memory core: a
// ring buffer of recent diagnostic lines that survives a panic, an
// instruction-pointer disassembler for fault dumps, a stack-trace dumper,
// and a locale-aware memory-usage reporter.
//
// Grounded on biscuit's circbuf.Circbuf_t (the head/tail-modulo-capacity
// ring buffer, lazily materialized) for the log buffer, and on
// caller.Callerdump (a runtime.Caller loop building an arrow-joined frame
// list) for the stack dump. Neither upstream file keeps diagnostic text
// lines or decodes x86 instructions -- biscuit's circbuf carries raw
// network/tty bytes and its caller package only walks frames -- so this
// package adapts their mechanics (ring-buffer indexing, frame-walking loop)
// to this core's own domain rather than reusing their code verbatim.
package diag

import (
	"fmt"
	"runtime"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"vmcore/kernel/accnt"
	"vmcore/kernel/oom"
)

// RingBuffer retains the last capacity diagnostic lines, overwriting the
// oldest once full. Not safe for concurrent use, matching circbuf's own
// single-daemon contract -- this core runs cooperatively with no
// preemption inside it (spec.md §5), so callers never need to synchronize
// around it.
type RingBuffer struct {
	lines []string
	head  int
	count int
}

// NewRingBuffer builds a RingBuffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic("diag: ring buffer capacity must be positive")
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Write appends a formatted line, evicting the oldest line if full.
func (r *RingBuffer) Write(format string, args ...interface{}) {
	r.lines[r.head] = fmt.Sprintf(format, args...)
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns the retained lines in oldest-to-newest order.
func (r *RingBuffer) Lines() []string {
	out := make([]string, 0, r.count)
	start := (r.head - r.count + len(r.lines)) % len(r.lines)
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// ReceiveOOM blocks until a kernel/oom notification arrives and appends a
// diagnostic line to ring. Meant to run in its own goroutine started once
// at bring-up -- the logger end of the oom.Ch this core's physical
// allocator sends on: for { diag.ReceiveOOM(ring) }.
func ReceiveOOM(ring *RingBuffer) {
	msg := <-oom.Ch
	ring.Write("oom: allocation for %d pages failed", msg.Requested)
}

// Disassemble decodes one x86 instruction at the start of code, formatted
// for a fault dump. Decoding is always 32-bit, matching this core's paging
// model; ip is only used to label the output, not to fetch memory.
func Disassemble(code []byte, ip uintptr) (string, error) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return "", fmt.Errorf("diag: decode at %#x: %w", ip, err)
	}
	return fmt.Sprintf("%#x: %s", ip, x86asm.GoSyntax(inst, uint64(ip), nil)), nil
}

// CallerDump renders the call stack starting at skip frames above its own
// caller, one frame per line joined with "<-", the same shape
// caller.Callerdump prints directly to the console.
func CallerDump(skip int) string {
	s := ""
	for i := skip + 1; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d", file, line)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", file, line)
		}
	}
	return s
}

// UsageReporter formats accnt.Snapshot values for operator-facing dumps
// with locale-aware digit grouping, standing in for the `/proc`-adjacent
// summary a `ps`-equivalent outside this core's scope would display.
type UsageReporter struct {
	printer *message.Printer
}

// NewUsageReporter builds a UsageReporter for the given locale.
func NewUsageReporter(tag language.Tag) *UsageReporter {
	return &UsageReporter{printer: message.NewPrinter(tag)}
}

// Report renders s as a single human-readable line.
func (u *UsageReporter) Report(s accnt.Snapshot) string {
	return u.printer.Sprintf("resident=%d pages, shared=%d pages, heap=%d bytes",
		s.ResidentPages, s.SharedPages, s.HeapBytes)
}

// PanicDump assembles a full diagnostic record for a Fatal condition (§7):
// the reason, a decoded instruction at the fault site (if code was
// available), the call stack, and the trailing ring-buffer history.
type PanicDump struct {
	Reason   string
	Faulting string // empty if no instruction could be decoded
	Stack    string
	History  []string
}

// NewPanicDump builds a PanicDump. faultCode may be nil if no instruction
// bytes are available at the fault site.
func NewPanicDump(reason string, ip uintptr, faultCode []byte, ring *RingBuffer) PanicDump {
	dump := PanicDump{
		Reason: reason,
		Stack:  CallerDump(1),
	}
	if ring != nil {
		dump.History = ring.Lines()
	}
	if faultCode != nil {
		if s, err := Disassemble(faultCode, ip); err == nil {
			dump.Faulting = s
		}
	}
	return dump
}

// String renders the dump as plain text, the same fmt.Printf-straight-to-
// console style the teacher uses for kernel diagnostics.
func (p PanicDump) String() string {
	out := fmt.Sprintf("FATAL: %s\n", p.Reason)
	if p.Faulting != "" {
		out += fmt.Sprintf("at: %s\n", p.Faulting)
	}
	out += fmt.Sprintf("stack:\n\t%s\n", p.Stack)
	if len(p.History) > 0 {
		out += "recent diagnostics:\n"
		for _, l := range p.History {
			out += fmt.Sprintf("\t%s\n", l)
		}
	}
	return out
}
