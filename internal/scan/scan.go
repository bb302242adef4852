// Package scan walks a filesystem root and records the extended
// attributes it finds into an artifact.Writer tree. The walk is
// read-only and uses the l-variant xattr calls throughout, so symbolic
// links are captured as themselves, never followed.
package scan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/redpesk-core/sec-xattr-cp/internal/artifact"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Options control what the walk records.
type Options struct {
	// Match restricts capture to attribute names matching the pattern.
	// Nil captures every name.
	Match *regexp.Regexp
	// Dump, when non-nil, receives one path\tname\tvalue line per
	// captured attribute.
	Dump io.Writer
}

// Scan walks root and returns the populated writer. Entries appear in
// the order the directory iteration returns them; a path is recorded
// only if it carries at least one surviving attribute or contains a
// descendant that does.
func Scan(root string, opts Options) (*artifact.Writer, error) {
	s := &scanner{
		w:    artifact.NewWriter(),
		opts: opts,
		lst:  make([]byte, 65536),
		val:  make([]byte, artifact.MaxValueSize),
	}
	if err := s.addpath(0, root); err != nil {
		return nil, err
	}
	if err := s.dir(&s.w.Root, len(root), true); err != nil {
		return nil, err
	}
	return s.w, nil
}

type scanner struct {
	w    *artifact.Writer
	opts Options

	// path is the growable buffer holding the path being walked; each
	// recursion level owns the suffix past its prefix length.
	path []byte
	lst  []byte
	val  []byte
}

// addpath places str at position pos of the path buffer.
func (s *scanner) addpath(pos int, str string) error {
	if pos+len(str) > unix.PathMax {
		return xerrors.Errorf("file too long %s%s", s.path[:pos], str)
	}
	s.path = append(s.path[:pos], str...)
	return nil
}

// dir records the directory whose path occupies s.path[:pos]. ReadDir
// never reports "." or ".."; the root directory's own attributes are
// captured through an explicit "." entry at the top-level invocation
// only, which is never recursed into.
func (s *scanner) dir(list *artifact.EntryList, pos int, root bool) error {
	d, err := os.Open(string(s.path[:pos]))
	if err != nil {
		return xerrors.Errorf("failed to open directory %s: %v", s.path[:pos], err)
	}
	defer d.Close()
	if pos == 0 || s.path[pos-1] != '/' {
		if err := s.addpath(pos, "/"); err != nil {
			return err
		}
		pos++
	}

	// Directory order, as readdir returns it: File.ReadDir does not
	// sort, unlike the package-level os.ReadDir.
	ents, err := d.ReadDir(-1)
	if err != nil {
		return xerrors.Errorf("failed to read directory %s: %v", s.path[:pos], err)
	}

	if root {
		if err := s.addpath(pos, "."); err != nil {
			return err
		}
		if err := s.entry(list, pos, "."); err != nil {
			return err
		}
	}

	for _, ent := range ents {
		name := ent.Name()
		if err := s.addpath(pos, name); err != nil {
			return err
		}
		if err := s.entry(list, pos, name); err != nil {
			return err
		}
		if ent.IsDir() {
			var subs artifact.EntryList
			if err := s.dir(&subs, pos+len(name), false); err != nil {
				return err
			}
			// Create the directory's entry only if its sub-tree
			// recorded something.
			if !subs.Empty() {
				s.w.Entry(list, name).Attach(subs)
			}
		}
	}
	return nil
}

// entry records the attributes of one path, whose final component name
// starts at position pos of the path buffer. The entry is created lazily
// on the first attribute surviving the filter.
func (s *scanner) entry(list *artifact.EntryList, pos int, name string) error {
	path := string(s.path[:pos+len(name)])
	sz, err := unix.Llistxattr(path, s.lst)
	if err == unix.ERANGE {
		return xerrors.Errorf("too much attributes for file %s", path)
	}
	if err != nil {
		return xerrors.Errorf("can't get attributes of file %s: %v", path, err)
	}
	if sz == 0 {
		return nil
	}

	var e *artifact.Entry
	for idx := 0; idx < sz; {
		end := bytes.IndexByte(s.lst[idx:sz], 0)
		if end < 0 {
			end = sz - idx
		}
		aname := string(s.lst[idx : idx+end])
		idx += end + 1

		if s.opts.Match != nil && !s.opts.Match.MatchString(aname) {
			continue
		}
		if e == nil {
			e = s.w.Entry(list, name)
		}

		vsz, err := unix.Lgetxattr(path, aname, s.val)
		if err == unix.ERANGE {
			return xerrors.Errorf("too big attribute %s in file %s", aname, path)
		}
		if err != nil {
			return xerrors.Errorf("can't get attribute %s of file %s: %v", aname, path, err)
		}
		if s.opts.Dump != nil {
			fmt.Fprintf(s.opts.Dump, "%s\t%s\t%s\n", path, aname, s.val[:vsz])
		}
		if err := s.w.AddAttr(e, aname, s.val[:vsz]); err != nil {
			return err
		}
	}
	return nil
}
