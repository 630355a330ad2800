package kernel

import (
	"fmt"
	"sync"
)

// PrinterMsgLen is the fixed slot size of one message in a printer
// map, terminator included.
const PrinterMsgLen = 64

// Printer interns the diagnostic strings generated programs refer to
// by numeric id. One Printer is shared across every program the daemon
// manages; each loaded program gets its own id-to-message map populated
// from it at load time, so ids stay stable across replacements.
type Printer struct {
	mu    sync.Mutex
	msgs  []string
	index map[string]uint32
}

// NewPrinter returns an empty Printer.
func NewPrinter() *Printer {
	return &Printer{index: make(map[string]uint32)}
}

// Intern returns the stable id for msg, assigning the next free one on
// first use. Messages must fit a printer map slot.
func (pr *Printer) Intern(msg string) (uint32, error) {
	if len(msg) >= PrinterMsgLen {
		return 0, fmt.Errorf("printer message %q exceeds %d bytes", msg, PrinterMsgLen-1)
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if id, ok := pr.index[msg]; ok {
		return id, nil
	}
	id := uint32(len(pr.msgs))
	pr.msgs = append(pr.msgs, msg)
	pr.index[msg] = id
	return id, nil
}

// Messages returns the interned messages in id order.
func (pr *Printer) Messages() []string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return append([]string(nil), pr.msgs...)
}

// Len returns the number of interned messages.
func (pr *Printer) Len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.msgs)
}
