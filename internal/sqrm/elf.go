// Package sqrm implements the SQRM loader: ELF64 ET_DYN
// relocation, descriptor validation, and a per-module capability API.
//
// The ELF64 record shapes (Ehdr/Phdr/Dyn/Sym/Rela) are parsed via
// go-restruct, the same one-shot-record treatment given to the FAT32
// BPB and the MDFS superblock.
package sqrm

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/moduos/moduos/internal/kerrors"
)

var le = binary.LittleEndian

// e_ident / e_type / e_machine constants a loadable module must carry:
// ELF64 ET_DYN, EM_X86_64, ELFDATA2LSB.
const (
	elfClass64  = 2
	elfData2LSB = 1
	etDyn       = 3
	emX86_64    = 62
)

var elfMagic = [4]byte{0x7F, 'E', 'L', 'F'}

// Program header types.
const (
	ptLoad    = 1
	ptDynamic = 2
)

// Section header types.
const (
	shtSymtab = 2
	shtRela   = 4
)

// Dynamic tags this loader consults: SYMTAB/STRTAB/RELA/REL and their
// counts.
const (
	dtNull     = 0
	dtPltRelSz = 2
	dtStrtab   = 5
	dtSymtab   = 6
	dtRela     = 7
	dtRelaSz   = 8
	dtRelaEnt  = 9
	dtSymEnt   = 11
	dtRel      = 17
	dtRelSz    = 18
	dtRelEnt   = 19
	dtPltRel   = 20
	dtJmpRel   = 23
)

// x86-64 relocation types.
const (
	rX86_64None     = 0
	rX86_64_64      = 1
	rX86_64GlobDat  = 6
	rX86_64JumpSlot = 7
	rX86_64Relative = 8
)

// Ehdr64 is the ELF64 file header.
type Ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

const ehdrSize = 64

// Phdr64 is one ELF64 program header.
type Phdr64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const phdrSize = 56

// Shdr64 is one ELF64 section header.
type Shdr64 struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

const shdrSize = 64

// Dyn64 is one PT_DYNAMIC tag/value pair.
type Dyn64 struct {
	Tag int64
	Val uint64
}

const dynSize = 16

// Sym64 is one symbol table entry.
type Sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

const symSize = 24

// Rela64 is one RELA relocation record.
type Rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

const relaSize = 24

func (r Rela64) symIndex() uint32 { return uint32(r.Info >> 32) }
func (r Rela64) relocType() uint32 { return uint32(r.Info) }

func parseEhdr(data []byte) (Ehdr64, error) {
	var h Ehdr64
	if len(data) < ehdrSize {
		return h, kerrors.ErrBadElf
	}
	if err := restruct.Unpack(data[:ehdrSize], le, &h); err != nil {
		return h, kerrors.Wrap(err, "sqrm: unpack ehdr")
	}
	if h.Ident[0] != elfMagic[0] || h.Ident[1] != elfMagic[1] || h.Ident[2] != elfMagic[2] || h.Ident[3] != elfMagic[3] {
		return h, kerrors.ErrBadElf
	}
	if h.Ident[4] != elfClass64 || h.Ident[5] != elfData2LSB {
		return h, kerrors.ErrBadElf
	}
	if h.Type != etDyn || h.Machine != emX86_64 {
		return h, kerrors.ErrBadAbi
	}
	return h, nil
}

func parsePhdrs(data []byte, h Ehdr64) ([]Phdr64, error) {
	out := make([]Phdr64, 0, h.Phnum)
	for i := uint16(0); i < h.Phnum; i++ {
		off := h.Phoff + uint64(i)*uint64(h.Phentsize)
		if off+phdrSize > uint64(len(data)) {
			return nil, kerrors.ErrBadElf
		}
		var p Phdr64
		if err := restruct.Unpack(data[off:off+phdrSize], le, &p); err != nil {
			return nil, kerrors.Wrap(err, "sqrm: unpack phdr")
		}
		out = append(out, p)
	}
	return out, nil
}

func parseShdrs(data []byte, h Ehdr64) ([]Shdr64, error) {
	out := make([]Shdr64, 0, h.Shnum)
	for i := uint16(0); i < h.Shnum; i++ {
		off := h.Shoff + uint64(i)*uint64(h.Shentsize)
		if off+shdrSize > uint64(len(data)) {
			return nil, kerrors.ErrBadElf
		}
		var s Shdr64
		if err := restruct.Unpack(data[off:off+shdrSize], le, &s); err != nil {
			return nil, kerrors.Wrap(err, "sqrm: unpack shdr")
		}
		out = append(out, s)
	}
	return out, nil
}

func parseDynTags(data []byte, off, size uint64) ([]Dyn64, error) {
	var out []Dyn64
	for o := off; o+dynSize <= off+size && o+dynSize <= uint64(len(data)); o += dynSize {
		var d Dyn64
		if err := restruct.Unpack(data[o:o+dynSize], le, &d); err != nil {
			return nil, kerrors.Wrap(err, "sqrm: unpack dyn")
		}
		if d.Tag == dtNull {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func parseSym(data []byte, off uint64) (Sym64, error) {
	var s Sym64
	if off+symSize > uint64(len(data)) {
		return s, kerrors.ErrBadElf
	}
	err := restruct.Unpack(data[off:off+symSize], le, &s)
	return s, kerrors.Wrap(err, "sqrm: unpack sym")
}

func parseRela(data []byte, off uint64) (Rela64, error) {
	var r Rela64
	if off+relaSize > uint64(len(data)) {
		return r, kerrors.ErrBadElf
	}
	err := restruct.Unpack(data[off:off+relaSize], le, &r)
	return r, kerrors.Wrap(err, "sqrm: unpack rela")
}

// cString reads a NUL-terminated string starting at off within data.
func cString(data []byte, off uint64) string {
	if off >= uint64(len(data)) {
		return ""
	}
	end := off
	for end < uint64(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
