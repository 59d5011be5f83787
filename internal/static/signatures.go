package static

import (
	"bytes"
	"encoding/binary"
)

// ExecutableHit is an embedded native binary header found inside a stream
type ExecutableHit struct {
	Format string
	Offset int
}

var (
	peMagic  = []byte("MZ")
	peSig    = []byte("PE\x00\x00")
	elfMagic = []byte("\x7fELF")

	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe},
	}
)

// maxPEHeaderOffset bounds e_lfanew; real linkers keep it well below this
const maxPEHeaderOffset = 0x1000

// FindExecutables reports the first valid header of each executable format.
// Bare magic bytes are not enough: the surrounding header fields have to
// be consistent too.
func FindExecutables(data []byte) []ExecutableHit {
	var hits []ExecutableHit
	if off := findPE(data); off >= 0 {
		hits = append(hits, ExecutableHit{Format: "PE", Offset: off})
	}
	if off := findELF(data); off >= 0 {
		hits = append(hits, ExecutableHit{Format: "ELF", Offset: off})
	}
	if off := findMachO(data); off >= 0 {
		hits = append(hits, ExecutableHit{Format: "Mach-O", Offset: off})
	}
	return hits
}

func findPE(data []byte) int {
	for base := 0; ; {
		i := bytes.Index(data[base:], peMagic)
		if i < 0 {
			return -1
		}
		off := base + i
		if off+0x40 <= len(data) {
			lfanew := int(binary.LittleEndian.Uint32(data[off+0x3c:]))
			hdr := off + lfanew
			if lfanew >= 0x40 && lfanew < maxPEHeaderOffset && hdr+4 <= len(data) && bytes.Equal(data[hdr:hdr+4], peSig) {
				return off
			}
		}
		base = off + 1
	}
}

func findELF(data []byte) int {
	for base := 0; ; {
		i := bytes.Index(data[base:], elfMagic)
		if i < 0 {
			return -1
		}
		off := base + i
		if off+7 <= len(data) {
			class, order, version := data[off+4], data[off+5], data[off+6]
			if (class == 1 || class == 2) && (order == 1 || order == 2) && version == 1 {
				return off
			}
		}
		base = off + 1
	}
}

// known cputype values: x86, x86_64, arm, arm64, ppc, ppc64
var machoCPUs = map[uint32]bool{
	7: true, 0x01000007: true, 12: true, 0x0100000c: true, 18: true, 0x01000012: true,
}

func findMachO(data []byte) int {
	best := -1
	for _, magic := range machoMagics {
		for base := 0; ; {
			i := bytes.Index(data[base:], magic)
			if i < 0 {
				break
			}
			off := base + i
			if off+8 <= len(data) {
				var cpu uint32
				if magic[0] == 0xfe {
					cpu = binary.BigEndian.Uint32(data[off+4:])
				} else {
					cpu = binary.LittleEndian.Uint32(data[off+4:])
				}
				if machoCPUs[cpu] {
					if best < 0 || off < best {
						best = off
					}
					break
				}
			}
			base = off + 1
		}
	}
	return best
}
