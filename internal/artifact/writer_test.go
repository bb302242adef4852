package artifact

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func encodeToBytes(t *testing.T, w *Writer) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := w.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// words decodes the instruction stream of an encoded artifact, stopping
// after the outermost sentinel.
func words(t *testing.T, b []byte) []uint32 {
	t.Helper()
	var out []uint32
	depth := 0
	for off := len(Magic); ; off += 4 {
		if off+4 > len(b) {
			t.Fatalf("instruction stream not terminated")
		}
		w := binary.LittleEndian.Uint32(b[off:])
		out = append(out, w)
		if w&TagMask == TagSub {
			if w == TagSub {
				if depth == 0 {
					return out
				}
				depth--
			} else {
				depth++
			}
		}
	}
}

func tags(ws []uint32) []uint32 {
	out := make([]uint32, len(ws))
	for i, w := range ws {
		out[i] = w & TagMask
	}
	return out
}

func TestEmptyTree(t *testing.T) {
	t.Parallel()

	b := encodeToBytes(t, NewWriter())
	if got, want := len(b), len(Magic)+4; got != want {
		t.Fatalf("artifact size: got %d, want %d", got, want)
	}
	if got := binary.LittleEndian.Uint32(b[len(Magic):]); got != TagSub {
		t.Fatalf("sole instruction: got %#x, want bare TagSub", got)
	}
}

func TestGoldenSingleAttribute(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	e := w.Entry(&w.Root, "a")
	if err := w.AddAttr(e, "user.x", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	// Strings are interned in creation order: "a\0" at 32, "user.x\0"
	// at 34, the length-prefixed value at 41. The displacements are
	// relative to the end of each word.
	want := []byte(Magic)
	for _, op := range []uint32{
		12<<TagWidth | TagFile, // 32 - 20
		10<<TagWidth | TagAttr, // 34 - 24
		13<<TagWidth | TagSet,  // 41 - 28
		TagSub,
	} {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], op)
		want = append(want, word[:]...)
	}
	want = append(want, "a\x00"...)
	want = append(want, "user.x\x00"...)
	want = append(want, 0x05, 0x00)
	want = append(want, "hello"...)

	got := encodeToBytes(t, w)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("artifact bytes: diff (-want +got):\n%s", diff)
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	for _, name := range []string{"a", "b"} {
		e := w.Entry(&w.Root, name)
		if err := w.AddAttr(e, "user.x", []byte("same_value")); err != nil {
			t.Fatal(err)
		}
	}
	b := encodeToBytes(t, w)
	ws := words(t, b)

	if got, want := tags(ws), []uint32{TagFile, TagAttr, TagSet, TagFile, TagSet, TagSub}; !cmp.Equal(got, want) {
		t.Fatalf("tag sequence: got %v, want %v", got, want)
	}

	// Both TagSet words must resolve to the same table offset.
	var setAddrs []int
	for i, word := range ws {
		if word&TagMask == TagSet {
			end := len(Magic) + 4*(i+1)
			setAddrs = append(setAddrs, end+int(word>>TagWidth))
		}
	}
	if len(setAddrs) != 2 || setAddrs[0] != setAddrs[1] {
		t.Fatalf("TagSet string addresses: got %v, want two equal offsets", setAddrs)
	}

	table := b[len(Magic)+4*len(ws):]
	if got := bytes.Count(table, []byte("user.x\x00")); got != 1 {
		t.Errorf("attribute name occurs %d times in the table, want 1", got)
	}
	value := append([]byte{10, 0}, "same_value"...)
	if got := bytes.Count(table, value); got != 1 {
		t.Errorf("value blob occurs %d times in the table, want 1", got)
	}
}

func TestAttrNameCompression(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	f1 := w.Entry(&w.Root, "f1")
	if err := w.AddAttr(f1, "user.x", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddAttr(f1, "user.y", []byte("2")); err != nil {
		t.Fatal(err)
	}
	f2 := w.Entry(&w.Root, "f2")
	if err := w.AddAttr(f2, "user.y", []byte("3")); err != nil {
		t.Fatal(err)
	}

	ws := words(t, encodeToBytes(t, w))
	// f2 reuses the attribute name of the previously emitted record, so
	// no second TagAttr for user.y appears.
	want := []uint32{TagFile, TagAttr, TagSet, TagAttr, TagSet, TagFile, TagSet, TagSub}
	if got := tags(ws); !cmp.Equal(got, want) {
		t.Fatalf("tag sequence: got %v, want %v", got, want)
	}
}

func TestNestedEmission(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	var subs EntryList
	f := w.Entry(&subs, "f")
	if err := w.AddAttr(f, "user.k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	w.Entry(&w.Root, "d").Attach(subs)

	ws := words(t, encodeToBytes(t, w))
	want := []uint32{TagSub, TagFile, TagAttr, TagSet, TagSub, TagSub}
	if got := tags(ws); !cmp.Equal(got, want) {
		t.Fatalf("tag sequence: got %v, want %v", got, want)
	}
	if ws[0] == TagSub {
		t.Fatalf("first TagSub must reference the directory name, got bare sentinel")
	}
}

func TestSentinelBalance(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	var deep, subs EntryList
	g := w.Entry(&deep, "g")
	if err := w.AddAttr(g, "user.a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	f := w.Entry(&subs, "f")
	if err := w.AddAttr(f, "user.a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	w.Entry(&subs, "e").Attach(deep)
	w.Entry(&w.Root, "d").Attach(subs)
	top := w.Entry(&w.Root, "t")
	if err := w.AddAttr(top, "user.b", []byte("y")); err != nil {
		t.Fatal(err)
	}

	var enters, sentinels int
	for _, word := range words(t, encodeToBytes(t, w)) {
		if word&TagMask != TagSub {
			continue
		}
		if word == TagSub {
			sentinels++
		} else {
			enters++
		}
	}
	if enters != sentinels-1 {
		t.Fatalf("got %d directory entries and %d sentinels, want entries == sentinels-1", enters, sentinels)
	}
}

func TestSelfRelativeOffsets(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	var subs EntryList
	f := w.Entry(&subs, "file with a longer name")
	if err := w.AddAttr(f, "security.selinux", []byte("system_u:object_r:etc_t:s0")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddAttr(f, "user.comment", nil); err != nil {
		t.Fatal(err)
	}
	w.Entry(&w.Root, "dir").Attach(subs)
	a := w.Entry(&w.Root, "a")
	if err := w.AddAttr(a, "user.comment", []byte("x")); err != nil {
		t.Fatal(err)
	}

	b := encodeToBytes(t, w)
	ws := words(t, b)
	starts := make(map[int]bool)
	for _, s := range w.strings.strs {
		starts[s.off] = true
	}
	streamEnd := len(Magic) + 4*len(ws)
	for i, word := range ws {
		if word == TagSub {
			continue
		}
		addr := len(Magic) + 4*(i+1) + int(word>>TagWidth)
		if addr < streamEnd || addr >= len(b) {
			t.Errorf("instruction %d: string address %d outside table [%d, %d)", i, addr, streamEnd, len(b))
		}
		if !starts[addr] {
			t.Errorf("instruction %d: address %d is not the start of an interned string", i, addr)
		}
	}
}

func TestDeterminism(t *testing.T) {
	t.Parallel()

	build := func() *Writer {
		w := NewWriter()
		var subs EntryList
		f := w.Entry(&subs, "f")
		w.AddAttr(f, "user.k", []byte("v"))
		w.Entry(&w.Root, "d").Attach(subs)
		a := w.Entry(&w.Root, "a")
		w.AddAttr(a, "user.x", []byte("hello"))
		w.AddAttr(a, "user.k", []byte("v"))
		return w
	}
	if !bytes.Equal(encodeToBytes(t, build()), encodeToBytes(t, build())) {
		t.Fatalf("encoding the same tree twice yields different artifacts")
	}
}

func TestEntryFindOrCreate(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	e1 := w.Entry(&w.Root, "same")
	e2 := w.Entry(&w.Root, "same")
	if e1 != e2 {
		t.Fatalf("Entry created a duplicate for an existing name")
	}
	if e3 := w.Entry(&w.Root, "other"); e3 == e1 {
		t.Fatalf("Entry returned the same node for a different name")
	}
}

func TestValueTooLarge(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	e := w.Entry(&w.Root, "a")
	if err := w.AddAttr(e, "user.big", make([]byte, MaxValueSize+1)); err == nil {
		t.Fatalf("AddAttr accepted a value larger than %d bytes", MaxValueSize)
	}
	if err := w.AddAttr(e, "user.max", make([]byte, MaxValueSize)); err != nil {
		t.Fatalf("AddAttr rejected a value of exactly %d bytes: %v", MaxValueSize, err)
	}
}
