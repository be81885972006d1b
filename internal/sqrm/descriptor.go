package sqrm

import "github.com/moduos/moduos/internal/kerrors"

// Module type tags a descriptor's Type field.
type ModuleType uint32

const (
	ModuleFS ModuleType = iota + 1
	ModuleDrive
	ModuleUSB
	ModuleAudio
)

func (t ModuleType) valid() bool {
	return t >= ModuleFS && t <= ModuleAudio
}

const descABIVersion = 1

// Descriptor is the sqrm_module_desc record every loadable module
// exports: abi_version=1, a type in {FS, DRIVE, USB, AUDIO}, and a name.
// InitVA is not part of the descriptor itself; it is the
// separately-exported sqrm_module_init entry point.
type Descriptor struct {
	ABIVersion uint32
	Type       ModuleType
	Name       string
	InitVA     uint64
}

// rawModuleDesc is the on-image layout of sqrm_module_desc: a 4-byte
// ABI version, a 4-byte type tag, and an 8-byte pointer to a
// NUL-terminated name.
type rawModuleDesc struct {
	ABIVersion uint32
	Type       uint32
	NamePtr    uint64
}

const rawModuleDescSize = 16

const (
	moduleDescSymbol = "sqrm_module_desc"
	moduleInitSymbol = "sqrm_module_init"
)

func parseRawModuleDesc(mem []byte, off int) (rawModuleDesc, bool) {
	var d rawModuleDesc
	if off < 0 || off+rawModuleDescSize > len(mem) {
		return d, false
	}
	d.ABIVersion = le.Uint32(mem[off : off+4])
	d.Type = le.Uint32(mem[off+4 : off+8])
	d.NamePtr = le.Uint64(mem[off+8 : off+16])
	return d, true
}

// findModuleDescriptor locates sqrm_module_desc and sqrm_module_init in
// the module's symbol table, decodes the descriptor, and validates
// abi_version/type, rejecting abi_version != 1 or an unrecognized type
// without running any module code.
//
// The symbol table is consulted in two places, same as relocations: the
// PT_DYNAMIC-described DT_SYMTAB/DT_STRTAB pair first, then the
// SHT_SYMTAB section headers if that didn't resolve it.
func findModuleDescriptor(img *Image, file []byte, dynTags []Dyn64, shdrs []Shdr64) (*Descriptor, error) {
	off, ok := locateSymbolValue(img, file, dynTags, shdrs, moduleDescSymbol)
	if !ok {
		return nil, kerrors.ErrMissingDescriptor
	}
	imgOff, ok := img.vaToOffset(off)
	if !ok {
		return nil, kerrors.ErrMissingDescriptor
	}
	raw, ok := parseRawModuleDesc(img.Mem, imgOff)
	if !ok {
		return nil, kerrors.ErrMissingDescriptor
	}
	if raw.ABIVersion != descABIVersion {
		return nil, kerrors.ErrBadAbi
	}
	mt := ModuleType(raw.Type)
	if !mt.valid() {
		return nil, kerrors.ErrBadAbi
	}
	name := ""
	if nameOff, ok := img.vaToOffset(raw.NamePtr); ok {
		name = cString(img.Mem, uint64(nameOff))
	}
	if name == "" {
		return nil, kerrors.ErrMissingDescriptor
	}
	initVA, ok := locateSymbolValue(img, file, dynTags, shdrs, moduleInitSymbol)
	if !ok {
		return nil, kerrors.ErrMissingDescriptor
	}
	return &Descriptor{
		ABIVersion: raw.ABIVersion,
		Type:       mt,
		Name:       name,
		InitVA:     initVA,
	}, nil
}

// locateSymbolValue returns the link-time value (a virtual address) of
// the named symbol, trying the dynamic symbol table first and falling
// back to any SHT_SYMTAB section.
func locateSymbolValue(img *Image, file []byte, dynTags []Dyn64, shdrs []Shdr64, name string) (uint64, bool) {
	symtabOff, strtabOff, hasSym := resolveSymStrtab(img, dynTags)
	if hasSym {
		if v, ok := scanSymtab(img.Mem, symtabOff, strtabOff, name); ok {
			return v, true
		}
	}
	for _, sh := range shdrs {
		if sh.Type != shtSymtab || sh.Link >= uint32(len(shdrs)) {
			continue
		}
		strSec := shdrs[sh.Link]
		if v, ok := scanSymtabFile(file, sh, strSec, name); ok {
			return v, true
		}
	}
	return 0, false
}

// scanSymtab walks a symbol table already mapped into img.Mem (the
// PT_DYNAMIC case). ELF doesn't carry a symbol count outside DT_HASH /
// DT_GNU_HASH, neither of which this loader parses, so the scan simply
// runs to the end of the image; an out-of-range Name offset resolves to
// "" via cString rather than faulting, so running past the real table
// only costs a few wasted comparisons, never a bad read.
func scanSymtab(mem []byte, symtabOff, strtabOff uint64, name string) (uint64, bool) {
	for off := symtabOff; off+symSize <= uint64(len(mem)); off += symSize {
		sym, err := parseSym(mem, off)
		if err != nil {
			break
		}
		if sym.Name == 0 {
			continue
		}
		if strtabOff == 0 {
			continue
		}
		if cString(mem, strtabOff+uint64(sym.Name)) == name {
			return sym.Value, true
		}
	}
	return 0, false
}

// scanSymtabFile walks an SHT_SYMTAB section straight from the original
// file bytes, resolving names via its paired string table section. This
// mirrors applySectionRelocations: these sections aren't guaranteed to
// live inside any PT_LOAD span, so they're read from file, not img.Mem.
func scanSymtabFile(file []byte, symSec, strSec Shdr64, name string) (uint64, bool) {
	count := symSec.Size / symSize
	for i := uint64(0); i < count; i++ {
		sym, err := parseSym(file, symSec.Offset+i*symSize)
		if err != nil {
			break
		}
		if sym.Name == 0 {
			continue
		}
		if cString(file, strSec.Offset+uint64(sym.Name)) == name {
			return sym.Value, true
		}
	}
	return 0, false
}
