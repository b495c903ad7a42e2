package zco

// Medium identifies where an extent's bytes live.
type Medium uint8

const (
	MediumFile Medium = iota
	MediumHeap
)

// Extent is one source-data fragment (§3.2): a medium, a reference to its
// backing object, and the [offset, offset+length) slice of that object's
// bytes this extent contributes.
type Extent struct {
	Medium Medium
	File   *FileRef // set iff Medium == MediumFile
	Sdr    *SdrRef  // set iff Medium == MediumHeap
	Offset int64
	Length int64
}

// Capsule is one explicit protocol header or trailer (§3.2), stored as a
// fresh heap-resident copy of its bytes, independent from any extent.
type Capsule struct {
	bytes []byte
}
