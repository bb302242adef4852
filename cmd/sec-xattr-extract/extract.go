// sec-xattr-extract captures the extended attributes beneath a
// filesystem root into a single artifact file.
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/redpesk-core/sec-xattr-cp/internal/scan"
	"golang.org/x/xerrors"
)

const extractHelp = `sec-xattr-extract [-d] [-m PATTERN] OUT_FILE ROOT_DIR

Walk ROOT_DIR, capture the extended attributes of every file and
directory beneath it, and write them as a single artifact to OUT_FILE.

Example:
  % sec-xattr-extract -m '^security\.' image.xattrs /var/image
`

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

func funcmain() error {
	fset := flag.NewFlagSet("sec-xattr-extract", flag.ExitOnError)
	var (
		dump  = fset.Bool("d", false, "print each captured path\\tname\\tvalue triple to stdout")
		match = fset.String("m", "", "only capture attribute names matching this regular expression")
	)
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	out, root := fset.Arg(0), fset.Arg(1)

	var opts scan.Options
	if *match != "" {
		re, err := regexp.Compile(*match)
		if err != nil {
			return xerrors.Errorf("can't compile pattern %s: %v", *match, err)
		}
		opts.Match = re
	}
	if *dump {
		opts.Dump = os.Stdout
	}

	w, err := scan.Scan(root, opts)
	if err != nil {
		return err
	}
	return w.WriteFile(out)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
