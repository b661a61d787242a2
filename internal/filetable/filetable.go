// Package filetable holds a guest's open file records: the per-guest
// ordered list spec.md §3 describes, created on OPEN, looked up by host
// descriptor on READ/WRITE/CLOSE, and removed on CLOSE. The teacher has no
// analogous component (its devices are stateless port handlers); this
// package is grounded directly on original_source/mini_hypervisor.c's
// `struct file` intrusive list, reshaped per spec.md's Design Note 9 into a
// container keyed by host descriptor with O(1) unlink rather than a walked
// singly-linked list.
package filetable

import (
	"container/list"
	"fmt"
)

// NameMax is the bound on a file record's name content, per spec.md §3: at
// most 49 content bytes plus a NUL terminator, 50 wire bytes in total.
const NameMax = 49

// Record is one open file's protocol-visible state.
type Record struct {
	HostFD      int
	Flags       int
	Mode        int
	ProtocolCnt int
	PendingAddr uint64
	PendingSize uint64
	Name        []byte // accumulated during OPEN's ReadName state, NUL-terminated on completion
}

// AppendNameByte appends one byte of the NUL-terminated name accumulated
// during FileProtocol's ReadName state. A name of exactly NameMax content
// bytes plus its terminating NUL (NameMax+1 total wire bytes) is the largest
// legal name; it reports an error only once that bound is exceeded.
func (r *Record) AppendNameByte(b byte) error {
	if r.ProtocolCnt > NameMax {
		return fmt.Errorf("file name exceeds %d-byte bound", NameMax)
	}
	r.Name = append(r.Name, b)
	r.ProtocolCnt++
	return nil
}

// NameString returns the name as a Go string, excluding the NUL terminator
// if present.
func (r *Record) NameString() string {
	n := len(r.Name)
	if n > 0 && r.Name[n-1] == 0 {
		n--
	}
	return string(r.Name[:n])
}

// Table is a guest's ordered set of open file records, keyed by host
// descriptor for O(1) lookup and removal.
type Table struct {
	order *list.List
	byFD  map[int]*list.Element
}

// New returns an empty file table.
func New() *Table {
	return &Table{
		order: list.New(),
		byFD:  make(map[int]*list.Element),
	}
}

// Insert adds rec to the table, becoming the new head per spec.md's "enters
// the list at OPEN completion" (insertion order is immaterial to protocol
// correctness; the head position is where original_source/mini_hypervisor.c's
// list insertion happens).
func (t *Table) Insert(rec *Record) {
	el := t.order.PushFront(rec)
	t.byFD[rec.HostFD] = el
}

// Lookup finds the record for a guest-reported host descriptor.
func (t *Table) Lookup(hostFD int) (*Record, bool) {
	el, ok := t.byFD[hostFD]
	if !ok {
		return nil, false
	}
	return el.Value.(*Record), true
}

// Remove unlinks the record for hostFD, if present. It is a no-op if no
// such record exists.
func (t *Table) Remove(hostFD int) {
	el, ok := t.byFD[hostFD]
	if !ok {
		return
	}
	t.order.Remove(el)
	delete(t.byFD, hostFD)
}

// Len returns the number of open records.
func (t *Table) Len() int { return t.order.Len() }

// CloseAll walks the table invoking closeFn on every open descriptor and
// empties the table. Guest exit must call this so that halting with an open
// FileTable does not leak host descriptors (spec.md §5).
func (t *Table) CloseAll(closeFn func(hostFD int) error) []error {
	var errs []error
	for el := t.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*Record)
		if err := closeFn(rec.HostFD); err != nil {
			errs = append(errs, err)
		}
	}
	t.order.Init()
	t.byFD = make(map[int]*list.Element)
	return errs
}
