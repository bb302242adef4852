package artifact

import (
	"bytes"
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// A Reader interprets a memory-mapped artifact. The mapping stays alive
// for the whole traversal and is released by Close.
type Reader struct {
	name string
	f    *os.File
	data []byte
}

// Open maps the artifact at path read-only and validates its magic
// header. The file must be a regular file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to stat %s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, xerrors.Errorf("%s should be a regular file", path)
	}
	if fi.Size() < int64(len(Magic)) {
		f.Close()
		return nil, xerrors.Errorf("%s isn't of expected format", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to mmap %s: %v", path, err)
	}
	if !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		unix.Munmap(data)
		f.Close()
		return nil, xerrors.Errorf("%s isn't of expected format", path)
	}
	return &Reader{name: path, f: f, data: data}, nil
}

// Close releases the mapping and the underlying file.
func (r *Reader) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	r.data = nil
	return err
}

// An Op is one decoded instruction, reported to the Walk callback with
// the traversal state resolved around it.
type Op struct {
	// Off is the byte offset of the instruction word from artifact start.
	Off int
	// Tag is the opcode, Disp the raw displacement, Str the resolved
	// absolute offset of the referenced string.
	Tag  uint32
	Disp uint32
	Str  int
	// Depth is the directory nesting level, starting at 0 for the root.
	Depth int
	// Dir is the current directory path including its trailing slash.
	Dir string
	// Name is the referenced string for TagSub, TagFile and TagAttr.
	Name string
	// Path is the current file (TagFile, TagSet), Attr the current
	// attribute name and Value the raw value bytes (TagSet).
	Path  string
	Attr  string
	Value []byte
	// Sentinel marks the bare end-of-directory TagSub.
	Sentinel bool
}

// Walk interprets the instruction stream depth-first, rooting the path
// buffer at root, and calls fn for every instruction in stream order.
// Any malformed word, out-of-range string reference or truncation fails
// the walk.
func (r *Reader) Walk(root string, fn func(Op) error) error {
	w := &walker{r: r, fn: fn}
	_, err := w.walk(len(Magic), 0, 0, root)
	return err
}

type walker struct {
	r    *Reader
	fn   func(Op) error
	path []byte

	// file and attr persist across directory boundaries, exactly like
	// the encoder's current-attribute-name state.
	file     string
	attr     string
	haveFile bool
	haveAttr bool
}

// walk appends subpath to the path buffer at off and interprets
// instructions until the sentinel closing this directory. It returns the
// offset of the word following the sentinel.
func (w *walker) walk(ip, depth, off int, subpath string) (int, error) {
	if off+len(subpath)+1 > unix.PathMax {
		return 0, xerrors.Errorf("path too long %s%s", w.path[:off], subpath)
	}
	w.path = append(w.path[:off], subpath...)
	off += len(subpath)
	if off == 0 || w.path[off-1] != '/' {
		w.path = append(w.path, '/')
		off++
	}
	dir := string(w.path[:off])

	data := w.r.data
	for {
		if ip+4 > len(data) {
			return 0, xerrors.Errorf("%s is truncated", w.r.name)
		}
		code := binary.LittleEndian.Uint32(data[ip:])
		wordOff := ip
		ip += 4
		tag := code & TagMask
		disp := code >> TagWidth
		strOff := ip + int(disp)
		switch tag {
		case TagSub:
			if code == TagSub {
				if err := w.fn(Op{Off: wordOff, Tag: tag, Depth: depth, Dir: dir, Sentinel: true}); err != nil {
					return 0, err
				}
				return ip, nil
			}
			name, err := w.r.str(strOff)
			if err != nil {
				return 0, err
			}
			if err := w.fn(Op{Off: wordOff, Tag: tag, Disp: disp, Str: strOff, Depth: depth, Dir: dir, Name: name}); err != nil {
				return 0, err
			}
			ip, err = w.walk(ip, depth+1, off, name)
			if err != nil {
				return 0, err
			}
		case TagFile:
			name, err := w.r.str(strOff)
			if err != nil {
				return 0, err
			}
			if off+len(name) > unix.PathMax {
				return 0, xerrors.Errorf("path too long %s%s", dir, name)
			}
			w.file = dir + name
			w.haveFile = true
			if err := w.fn(Op{Off: wordOff, Tag: tag, Disp: disp, Str: strOff, Depth: depth, Dir: dir, Name: name, Path: w.file}); err != nil {
				return 0, err
			}
		case TagAttr:
			name, err := w.r.str(strOff)
			if err != nil {
				return 0, err
			}
			w.attr = name
			w.haveAttr = true
			if err := w.fn(Op{Off: wordOff, Tag: tag, Disp: disp, Str: strOff, Depth: depth, Dir: dir, Name: name}); err != nil {
				return 0, err
			}
		case TagSet:
			if strOff < 0 || strOff+2 > len(data) {
				return 0, xerrors.Errorf("%s: value reference at %d out of range", w.r.name, wordOff)
			}
			vlen := int(binary.LittleEndian.Uint16(data[strOff:]))
			if strOff+2+vlen > len(data) {
				return 0, xerrors.Errorf("%s: value at %d exceeds artifact size", w.r.name, strOff)
			}
			if !w.haveFile || !w.haveAttr {
				return 0, xerrors.Errorf("%s: set instruction at %d without file or attribute", w.r.name, wordOff)
			}
			op := Op{
				Off:   wordOff,
				Tag:   tag,
				Disp:  disp,
				Str:   strOff,
				Depth: depth,
				Dir:   dir,
				Path:  w.file,
				Attr:  w.attr,
				Value: data[strOff+2 : strOff+2+vlen],
			}
			if err := w.fn(op); err != nil {
				return 0, err
			}
		}
	}
}

// str resolves a NUL-terminated string at the given absolute offset.
func (r *Reader) str(off int) (string, error) {
	if off < 0 || off >= len(r.data) {
		return "", xerrors.Errorf("%s: string offset %d out of range", r.name, off)
	}
	end := bytes.IndexByte(r.data[off:], 0)
	if end < 0 {
		return "", xerrors.Errorf("%s: unterminated string at %d", r.name, off)
	}
	return string(r.data[off : off+end]), nil
}
