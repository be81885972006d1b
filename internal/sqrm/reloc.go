package sqrm

import (
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
)

// relaArrayAt reads count RELA64 records starting at byte offset off in
// img.Mem, covering size bytes.
func relaArrayAt(img *Image, off, size uint64) ([]Rela64, error) {
	var out []Rela64
	end := off + size
	for o := off; o+relaSize <= end && o+relaSize <= uint64(len(img.Mem)); o += relaSize {
		r, err := parseRela(img.Mem, o)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// relArrayAt reads REL-format records (no explicit addend field) and
// recovers each one's addend from the value already stored at the target
// location.
func relArrayAt(img *Image, off, size uint64) ([]Rela64, error) {
	const relSize = 16
	var out []Rela64
	end := off + size
	for o := off; o+relSize <= end && o+relSize <= uint64(len(img.Mem)); o += relSize {
		offset := le.Uint64(img.Mem[o : o+8])
		info := le.Uint64(img.Mem[o+8 : o+16])
		var addend int64
		if targetOff, ok := img.vaToOffset(offset); ok && targetOff+8 <= len(img.Mem) {
			addend = int64(le.Uint64(img.Mem[targetOff : targetOff+8]))
		}
		out = append(out, Rela64{Offset: offset, Info: info, Addend: addend})
	}
	return out, nil
}

// collectDynRelocations gathers every relocation reachable from
// PT_DYNAMIC, covering plain RELA/REL and the PLT's JMPREL array (whose
// format is selected by DT_PLTREL).
func collectDynRelocations(img *Image, dyn []Dyn64) ([]Rela64, error) {
	var all []Rela64

	if addrVA, ok := dynLookup(dyn, dtRela); ok {
		sz, _ := dynLookup(dyn, dtRelaSz)
		off, ok2 := img.vaToOffset(addrVA)
		if !ok2 {
			return all, kerrors.ErrBadElf
		}
		rs, err := relaArrayAt(img, uint64(off), sz)
		if err != nil {
			return all, err
		}
		all = append(all, rs...)
	}
	if addrVA, ok := dynLookup(dyn, dtRel); ok {
		sz, _ := dynLookup(dyn, dtRelSz)
		off, ok2 := img.vaToOffset(addrVA)
		if !ok2 {
			return all, kerrors.ErrBadElf
		}
		rs, err := relArrayAt(img, uint64(off), sz)
		if err != nil {
			return all, err
		}
		all = append(all, rs...)
	}
	if addrVA, ok := dynLookup(dyn, dtJmpRel); ok {
		sz, _ := dynLookup(dyn, dtPltRelSz)
		off, ok2 := img.vaToOffset(addrVA)
		if !ok2 {
			return all, kerrors.ErrBadElf
		}
		format, _ := dynLookup(dyn, dtPltRel)
		var rs []Rela64
		var err error
		if format == dtRel {
			rs, err = relArrayAt(img, uint64(off), sz)
		} else {
			rs, err = relaArrayAt(img, uint64(off), sz)
		}
		if err != nil {
			return all, err
		}
		all = append(all, rs...)
	}
	return all, nil
}

func resolveSymStrtab(img *Image, dyn []Dyn64) (symtabOff, strtabOff uint64, hasSym bool) {
	if symVA, ok := dynLookup(dyn, dtSymtab); ok {
		if off, ok2 := img.vaToOffset(symVA); ok2 {
			symtabOff, hasSym = uint64(off), true
		}
	}
	if strVA, ok := dynLookup(dyn, dtStrtab); ok {
		if off, ok2 := img.vaToOffset(strVA); ok2 {
			strtabOff = uint64(off)
		}
	}
	return
}

func writeU64(mem []byte, off int, v uint64) bool {
	if off < 0 || off+8 > len(mem) {
		return false
	}
	le.PutUint64(mem[off:off+8], v)
	return true
}

// applyRelocation implements the three supported relocation type groups:
// R_X86_64_RELATIVE (*where = image_base + addend), and R_X86_64_64 /
// R_X86_64_GLOB_DAT / R_X86_64_JUMP_SLOT (*where = S + addend), where S
// is a symbol's image-relative value resolved through resolveSym.
// Unsupported types are logged and skipped, never fatal.
func applyRelocation(img *Image, r Rela64, resolveSym func(idx uint32) (Sym64, bool)) {
	off, ok := img.vaToOffset(r.Offset)
	if !ok {
		klog.Warnf("sqrm: relocation target 0x%x out of image range", r.Offset)
		return
	}
	switch r.relocType() {
	case rX86_64Relative:
		writeU64(img.Mem, off, img.Base+uint64(r.Addend))
	case rX86_64_64, rX86_64GlobDat, rX86_64JumpSlot:
		if resolveSym == nil {
			klog.Warnf("sqrm: relocation type %d needs a symbol, none available", r.relocType())
			return
		}
		sym, ok := resolveSym(r.symIndex())
		if !ok {
			klog.Warnf("sqrm: relocation references unresolved symbol %d", r.symIndex())
			return
		}
		s := int64(img.Base + sym.Value)
		writeU64(img.Mem, off, uint64(s+r.Addend))
	default:
		klog.Warnf("sqrm: unsupported relocation type %d", r.relocType())
	}
}

func applyDynamicRelocations(img *Image, dyn []Dyn64) error {
	symtabOff, _, hasSym := resolveSymStrtab(img, dyn)
	relocs, err := collectDynRelocations(img, dyn)
	if err != nil {
		return err
	}
	var resolveSym func(idx uint32) (Sym64, bool)
	if hasSym {
		resolveSym = func(idx uint32) (Sym64, bool) {
			sym, err := parseSym(img.Mem, symtabOff+uint64(idx)*symSize)
			return sym, err == nil
		}
	}
	for _, r := range relocs {
		applyRelocation(img, r, resolveSym)
	}
	return nil
}

// applySectionRelocations walks the second relocation source: SHT_RELA
// sections with SHT_SYMTAB-resolved symbols, same relocation types.
// Read from the original file, since
// these sections aren't necessarily covered by any PT_LOAD.
func applySectionRelocations(img *Image, file []byte, shdrs []Shdr64) error {
	for _, sh := range shdrs {
		if sh.Type != shtRela || sh.Link >= uint32(len(shdrs)) {
			continue
		}
		symSec := shdrs[sh.Link]
		if symSec.Type != shtSymtab {
			continue
		}
		count := sh.Size / relaSize
		resolveSym := func(idx uint32) (Sym64, bool) {
			sym, err := parseSym(file, symSec.Offset+uint64(idx)*symSize)
			return sym, err == nil
		}
		for i := uint64(0); i < count; i++ {
			r, err := parseRela(file, sh.Offset+i*relaSize)
			if err != nil {
				return err
			}
			applyRelocation(img, r, resolveSym)
		}
	}
	return nil
}
