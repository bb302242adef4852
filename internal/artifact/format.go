// Package artifact implements reading and writing sec-xattr-cp artifacts:
// a compact binary capture of the extended attributes found beneath a
// filesystem root.
//
// An artifact is a magic header, followed by a stream of 32-bit
// little-endian instruction words, followed by a table of deduplicated
// strings. Each word carries an opcode in its low bits and, in its high
// bits, a byte displacement from the end of the word to a string in the
// table. Displacements being self-relative makes the artifact
// position-independent in memory.
package artifact

// Magic identifies version 1 artifacts. The bytes are part of the on-disk
// format and must never change for V1.
const Magic = "sec-xattr-cp-v1\n"

// Instruction word layout: [ displacement : 32-TagWidth bits ][ tag : TagWidth bits ].
const (
	TagWidth = 2
	TagMask  = 1<<TagWidth - 1
)

// Opcodes. A word whose whole value equals TagSub (zero displacement)
// is the end-of-directory sentinel.
const (
	TagSub uint32 = iota
	TagFile
	TagAttr
	TagSet
)

// maxDisplacement is the largest string displacement an instruction word
// can carry.
const maxDisplacement = 1<<(32-TagWidth) - 1

// MaxValueSize is the largest attribute value an artifact can record:
// values are stored behind a 2-byte little-endian length prefix.
const MaxValueSize = 65535
