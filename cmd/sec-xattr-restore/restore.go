// sec-xattr-restore reapplies the extended attributes recorded in an
// artifact to the files beneath a destination root.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/redpesk-core/sec-xattr-cp/internal/artifact"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const restoreHelp = `sec-xattr-restore [-d] IN_FILE ROOT_DIR

Apply the extended attributes recorded in IN_FILE to the corresponding
paths beneath ROOT_DIR, in the order they were captured. The restore is
not transactional: if it fails mid-way, attributes applied so far are
left in place.

Example:
  % sec-xattr-restore image.xattrs /mnt/target
`

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

func funcmain() error {
	fset := flag.NewFlagSet("sec-xattr-restore", flag.ExitOnError)
	dry := fset.Bool("d", false, "dry run: print the would-be applications to stdout instead of setting attributes")
	fset.Usage = usage(fset, restoreHelp)
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	in, root := fset.Arg(0), fset.Arg(1)

	r, err := artifact.Open(in)
	if err != nil {
		return err
	}
	defer r.Close()

	return r.Walk(root, func(op artifact.Op) error {
		if op.Tag != artifact.TagSet {
			return nil
		}
		if *dry {
			fmt.Printf("%s\t%s\t%s\n", op.Path, op.Attr, op.Value)
			return nil
		}
		if err := unix.Lsetxattr(op.Path, op.Attr, op.Value, 0); err != nil {
			return xerrors.Errorf("can't set %s of %s: %v", op.Attr, op.Path, err)
		}
		return nil
	})
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
