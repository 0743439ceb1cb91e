package merge

import (
	"encoding/binary"
	"io"
	"os"
)

type Atom struct {
	Name   string
	Offset int
	Length int
}

// GetAtoms walks the top-level MP4 boxes found in data. Walking stops at the
// first box that does not fit.
func GetAtoms(data []byte) []Atom {
	var atoms []Atom
	ofs := 0

	for ofs+8 <= len(data) {
		aLen := int(binary.BigEndian.Uint32(data[ofs : ofs+4]))
		if aLen < 8 {
			break
		}

		atoms = append(atoms, Atom{
			Name:   string(data[ofs+4 : ofs+8]),
			Offset: ofs,
			Length: aLen,
		})
		ofs += aLen
	}

	return atoms
}

// IsFragmentedMP4 sniffs the first box of fname. MPEG-TS fragments start with
// a 0x47 sync byte and never parse as ftyp or styp.
func IsFragmentedMP4(fname string) bool {
	f, err := os.Open(fname)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 8)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}

	atoms := GetAtoms(head)
	if len(atoms) == 0 {
		return false
	}

	switch atoms[0].Name {
	case "ftyp", "styp", "moof":
		return true
	}
	return false
}
