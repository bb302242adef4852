// sec-xattr-debug disassembles an artifact, printing every instruction
// with its offset, displacement and resolved string. ROOT_DIR only seeds
// the path buffer of the trace.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/redpesk-core/sec-xattr-cp/internal/artifact"
)

const debugHelp = `sec-xattr-debug IN_FILE ROOT_DIR

Print the instruction stream of IN_FILE as a human-readable trace. Each
line carries the byte offset of the instruction from artifact start, an
indent following the directory nesting, the mnemonic, the raw
displacement with the resolved string-table offset, and the referenced
string.
`

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

func funcmain() error {
	fset := flag.NewFlagSet("sec-xattr-debug", flag.ExitOnError)
	fset.Usage = usage(fset, debugHelp)
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

	rootdir := root
	if rootdir == "" || !strings.HasSuffix(rootdir, "/") {
		rootdir += "/"
	}
	fmt.Printf("%06d ENTERING %s\n", len(artifact.Magic), rootdir)

	return r.Walk(root, func(op artifact.Op) error {
		pad := strings.Repeat("   ", op.Depth)
		switch op.Tag {
		case artifact.TagSub:
			if op.Sentinel {
				fmt.Printf("%06d %sEND\n", op.Off, pad)
				return nil
			}
			fmt.Printf("%06d %sSUB %d=%d %s\n", op.Off, pad, op.Disp, op.Str, op.Name)
			sub := op.Dir + op.Name
			if !strings.HasSuffix(sub, "/") {
				sub += "/"
			}
			fmt.Printf("%06d %s   ENTERING %s\n", op.Off+4, pad, sub)
		case artifact.TagFile:
			fmt.Printf("%06d %sFILE %d=%d %s\n", op.Off, pad, op.Disp, op.Str, op.Name)
			fmt.Printf("       %s  -> %s\n", pad, op.Path)
		case artifact.TagAttr:
			fmt.Printf("%06d %sATTR %d=%d %s\n", op.Off, pad, op.Disp, op.Str, op.Name)
		case artifact.TagSet:
			fmt.Printf("%06d %sSET  %d=%d %d %s\n", op.Off, pad, op.Disp, op.Str, len(op.Value), op.Value)
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
