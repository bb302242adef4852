package artifact

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// A Writer accumulates an ordered tree of entries and their attributes,
// then encodes it. Entries are added through Entry/AddAttr/Attach; once
// the tree is complete, Encode or WriteFile emits the artifact.
type Writer struct {
	// Root holds the top-level entries beneath the captured root.
	Root EntryList

	strings stringTable
}

func NewWriter() *Writer {
	return &Writer{}
}

// An EntryList is an ordered list of sibling entries. The zero value is an
// empty list.
type EntryList struct {
	entries []*Entry
}

// Empty reports whether the list holds no entries.
func (l *EntryList) Empty() bool {
	return len(l.entries) == 0
}

// An Entry is one named path component carrying attributes, a sub-tree,
// or both.
type Entry struct {
	name  *str
	attrs []attr
	subs  EntryList
}

type attr struct {
	name  *str
	value *str
}

// Entry returns the entry named name within l, creating it at the tail if
// no sibling with the same interned name exists yet. Names are recorded
// NUL-terminated.
func (w *Writer) Entry(l *EntryList, name string) *Entry {
	s := w.strings.intern(append([]byte(name), 0))
	for _, e := range l.entries {
		if e.name == s {
			return e
		}
	}
	e := &Entry{name: s}
	l.entries = append(l.entries, e)
	return e
}

// AddAttr appends an attribute record to e. The value is recorded behind
// its 2-byte little-endian length prefix so that identical (size, bytes)
// values share one table entry.
func (w *Writer) AddAttr(e *Entry, name string, value []byte) error {
	if len(value) > MaxValueSize {
		return xerrors.Errorf("attribute %s: value of %d bytes exceeds %d", name, len(value), MaxValueSize)
	}
	blob := make([]byte, 2+len(value))
	binary.LittleEndian.PutUint16(blob, uint16(len(value)))
	copy(blob[2:], value)
	e.attrs = append(e.attrs, attr{
		name:  w.strings.intern(append([]byte(name), 0)),
		value: w.strings.intern(blob),
	})
	return nil
}

// Attach hangs subs beneath e as its sub-tree.
func (e *Entry) Attach(subs EntryList) {
	e.subs = subs
}

// encoder threads a byte offset through the emission of the instruction
// stream. With a nil writer it only advances the offset (the layout pass
// that measures the stream before string offsets exist); with a real
// writer it emits the little-endian words.
type encoder struct {
	w       io.Writer
	off     int
	curattr *str
	scratch [4]byte
}

// putop emits one instruction word referencing s (nil for the sentinel)
// and advances the offset.
func (e *encoder) putop(tag uint32, s *str) error {
	next := e.off + 4
	if e.w != nil {
		op := tag
		if s != nil {
			d := s.off - next
			if d < 0 {
				return xerrors.Errorf("internal error, string offset %d precedes instruction end %d", s.off, next)
			}
			if d > maxDisplacement {
				return xerrors.Errorf("string offset %d out of reach of instruction at %d", s.off, e.off)
			}
			op |= uint32(d) << TagWidth
		}
		binary.LittleEndian.PutUint32(e.scratch[:], op)
		if _, err := e.w.Write(e.scratch[:]); err != nil {
			return err
		}
	}
	e.off = next
	return nil
}

// entries emits the instructions for one sibling list and its trailing
// sentinel. Per entry the sub-tree descent comes before the entry's own
// attributes; the decoder's path tracking depends on that order. The
// current-attribute-name state spans the whole pass so a file reusing the
// previous file's attribute name emits no TagAttr.
func (e *encoder) entries(l EntryList) error {
	for _, ent := range l.entries {
		if !ent.subs.Empty() {
			if err := e.putop(TagSub, ent.name); err != nil {
				return err
			}
			if err := e.entries(ent.subs); err != nil {
				return err
			}
		}
		if len(ent.attrs) > 0 {
			if err := e.putop(TagFile, ent.name); err != nil {
				return err
			}
			for _, a := range ent.attrs {
				if a.name != e.curattr {
					if err := e.putop(TagAttr, a.name); err != nil {
						return err
					}
					e.curattr = a.name
				}
				if err := e.putop(TagSet, a.value); err != nil {
					return err
				}
			}
		}
	}
	return e.putop(TagSub, nil)
}

// Encode writes the artifact to out: magic header, instruction stream,
// string table. A first pass measures the stream with a nil writer so
// string offsets can be laid out before the words referencing them are
// written.
func (w *Writer) Encode(out io.Writer) error {
	layout := encoder{off: len(Magic)}
	if err := layout.entries(w.Root); err != nil {
		return err
	}
	w.strings.setOffsets(layout.off)

	bw := bufio.NewWriter(out)
	if _, err := io.WriteString(bw, Magic); err != nil {
		return err
	}
	enc := encoder{w: bw, off: len(Magic)}
	if err := enc.entries(w.Root); err != nil {
		return err
	}
	if enc.off != layout.off {
		return xerrors.Errorf("internal error, instruction stream ends at %d, expected %d", enc.off, layout.off)
	}
	off := enc.off
	for _, s := range w.strings.strs {
		if s.off != off {
			return xerrors.Errorf("internal error, string offset mismatch %d and %d", off, s.off)
		}
		if _, err := bw.Write(s.bytes); err != nil {
			return err
		}
		off += len(s.bytes)
	}
	return bw.Flush()
}

// WriteFile encodes the artifact into path atomically: the file appears
// whole, with mode 0644, or not at all.
func (w *Writer) WriteFile(path string) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("can't open file %s: %v", path, err)
	}
	defer f.Cleanup()
	if err := w.Encode(f); err != nil {
		return xerrors.Errorf("can't write file %s: %w", path, err)
	}
	if err := f.Chmod(0644); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}
