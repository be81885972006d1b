package sqrm

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/kerrors"
)

// testAllocator is a slice-backed ImageAllocator standing in for the
// kheap/paging-backed one production uses.
type testAllocator struct {
	base uint64
}

func (a *testAllocator) Alloc(size int) (uint64, []byte, error) {
	return a.base, make([]byte, size), nil
}

func appendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	return append(buf, b...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func appendU16(buf []byte, v uint16) []byte {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return append(buf, b...)
}

func appendStr0(buf []byte, s string) []byte {
	buf = append(buf, []byte(s)...)
	return append(buf, 0)
}

// elfFixture holds the offsets a test needs after building a synthetic
// module image, since they're computed once and reused to both author
// the dynamic section and assert on relocated output.
type elfFixture struct {
	file         []byte
	targetSlot1  uint64 // R_X86_64_RELATIVE target
	targetSlot2  uint64 // R_X86_64_64 target
	machine      uint16
}

// buildModule constructs a minimal valid ET_DYN x86-64 SQRM module:
// one PT_LOAD spanning the whole file (VA == file offset, base 0), one
// PT_DYNAMIC describing a 3-symbol SYMTAB/STRTAB and a 2-entry RELA
// array, a sqrm_module_desc record of the given type/name, and an
// sqrm_module_init symbol whose value anchors a R_X86_64_64 relocation.
func buildModule(t *testing.T, moduleType uint32, name string) elfFixture {
	t.Helper()

	const headerSize = 64 + 56 + 56 // Ehdr + 2 Phdrs

	// String table: index 0 is the conventional empty string.
	strOffDescSym := 1
	strtab := []byte{0}
	strtab = appendStr0(strtab, "sqrm_module_desc")
	strOffInitSym := len(strtab)
	strtab = appendStr0(strtab, "sqrm_module_init")
	strOffName := len(strtab)
	strtab = appendStr0(strtab, name)

	// Symbol table: null symbol, then desc and init symbols.
	var symtab []byte
	symtab = appendU32(symtab, 0) // null symbol
	symtab = append(symtab, 0, 0)
	symtab = appendU16(symtab, 0)
	symtab = appendU64(symtab, 0)
	symtab = appendU64(symtab, 0)

	const moduleDescSize = 16
	const dynArraySize = 6 * dynSize // SYMTAB, STRTAB, RELA, RELASZ, RELAENT, NULL
	const relaArraySize = 2 * relaSize

	dynOff := uint64(headerSize)
	symtabOff := dynOff + dynArraySize

	// sqrm_module_desc symbol points at the descriptor record, which is
	// laid out after strtab+rela; compute all offsets up front.
	symtabSize := uint64(3 * symSize)
	strtabSize := uint64(len(strtab))
	strtabOff := symtabOff + symtabSize
	relaOff := strtabOff + strtabSize
	descOff := relaOff + relaArraySize
	slot1Off := descOff + moduleDescSize
	slot2Off := slot1Off + 8
	totalSize := slot2Off + 8

	const initVA = uint64(0x2000)

	symtab = appendU32(symtab, uint32(strOffDescSym)) // Name
	symtab = append(symtab, 0, 0)                      // Info, Other
	symtab = appendU16(symtab, 0)                       // Shndx
	symtab = appendU64(symtab, descOff)                 // Value
	symtab = appendU64(symtab, moduleDescSize)          // Size

	symtab = appendU32(symtab, uint32(strOffInitSym))
	symtab = append(symtab, 0, 0)
	symtab = appendU16(symtab, 0)
	symtab = appendU64(symtab, initVA)
	symtab = appendU64(symtab, 0)

	require.EqualValues(t, symtabSize, len(symtab))

	var dyn []byte
	dyn = appendI64(dyn, dtSymtab)
	dyn = appendU64(dyn, symtabOff)
	dyn = appendI64(dyn, dtStrtab)
	dyn = appendU64(dyn, strtabOff)
	dyn = appendI64(dyn, dtRela)
	dyn = appendU64(dyn, relaOff)
	dyn = appendI64(dyn, dtRelaSz)
	dyn = appendU64(dyn, relaArraySize)
	dyn = appendI64(dyn, dtRelaEnt)
	dyn = appendU64(dyn, relaSize)
	dyn = appendI64(dyn, dtNull)
	dyn = appendU64(dyn, 0)
	require.EqualValues(t, dynArraySize, len(dyn))

	var rela []byte
	// entry 0: R_X86_64_RELATIVE at slot1, addend 0x1000
	rela = appendU64(rela, slot1Off)
	rela = appendU64(rela, uint64(rX86_64Relative)) // symIndex 0
	rela = appendI64(rela, 0x1000)
	// entry 1: R_X86_64_64 against symbol index 2 (sqrm_module_init), addend 0x10
	rela = appendU64(rela, slot2Off)
	rela = appendU64(rela, (uint64(2)<<32)|uint64(rX86_64_64))
	rela = appendI64(rela, 0x10)
	require.EqualValues(t, relaArraySize, len(rela))

	var desc []byte
	desc = appendU32(desc, descABIVersion)
	desc = appendU32(desc, moduleType)
	desc = appendU64(desc, strtabOff+uint64(strOffName))
	require.EqualValues(t, moduleDescSize, len(desc))

	slot1 := make([]byte, 8)
	slot2 := make([]byte, 8)

	var body []byte
	body = append(body, dyn...)
	body = append(body, symtab...)
	body = append(body, strtab...)
	body = append(body, rela...)
	body = append(body, desc...)
	body = append(body, slot1...)
	body = append(body, slot2...)
	require.EqualValues(t, totalSize-uint64(headerSize), len(body))

	fileSize := uint64(headerSize) + uint64(len(body))

	var ehdr []byte
	ehdr = append(ehdr, elfMagic[0], elfMagic[1], elfMagic[2], elfMagic[3])
	ehdr = append(ehdr, elfClass64, elfData2LSB)
	ehdr = append(ehdr, make([]byte, 10)...) // rest of e_ident
	ehdr = appendU16(ehdr, etDyn)
	ehdr = appendU16(ehdr, emX86_64)
	ehdr = appendU32(ehdr, 1) // version
	ehdr = appendU64(ehdr, 0) // entry
	ehdr = appendU64(ehdr, 64)                    // phoff
	ehdr = appendU64(ehdr, 0)                      // shoff
	ehdr = appendU32(ehdr, 0)                      // flags
	ehdr = appendU16(ehdr, 64)                      // ehsize
	ehdr = appendU16(ehdr, 56)                      // phentsize
	ehdr = appendU16(ehdr, 2)                       // phnum
	ehdr = appendU16(ehdr, 64)                      // shentsize
	ehdr = appendU16(ehdr, 0)                       // shnum
	ehdr = appendU16(ehdr, 0)                       // shstrndx
	require.EqualValues(t, ehdrSize, len(ehdr))

	var phLoad []byte
	phLoad = appendU32(phLoad, ptLoad)
	phLoad = appendU32(phLoad, 5) // flags
	phLoad = appendU64(phLoad, 0) // offset
	phLoad = appendU64(phLoad, 0) // vaddr
	phLoad = appendU64(phLoad, 0) // paddr
	phLoad = appendU64(phLoad, fileSize)
	phLoad = appendU64(phLoad, fileSize)
	phLoad = appendU64(phLoad, 0x1000) // align
	require.EqualValues(t, phdrSize, len(phLoad))

	var phDyn []byte
	phDyn = appendU32(phDyn, ptDynamic)
	phDyn = appendU32(phDyn, 6) // flags
	phDyn = appendU64(phDyn, dynOff)
	phDyn = appendU64(phDyn, dynOff) // vaddr == offset, base 0
	phDyn = appendU64(phDyn, dynOff)
	phDyn = appendU64(phDyn, dynArraySize)
	phDyn = appendU64(phDyn, dynArraySize)
	phDyn = appendU64(phDyn, 8)
	require.EqualValues(t, phdrSize, len(phDyn))

	var file []byte
	file = append(file, ehdr...)
	file = append(file, phLoad...)
	file = append(file, phDyn...)
	file = append(file, body...)
	require.EqualValues(t, fileSize, len(file))

	return elfFixture{file: file, targetSlot1: slot1Off, targetSlot2: slot2Off, machine: emX86_64}
}

func TestLoad_RelocatesAndValidatesDescriptor(t *testing.T) {
	fx := buildModule(t, uint32(ModuleUSB), "hello")
	alloc := &testAllocator{base: 0x400000}

	img, desc, err := Load(fx.file, alloc)
	require.NoError(t, err)
	require.NotNil(t, desc)

	assert.EqualValues(t, 1, desc.ABIVersion)
	assert.Equal(t, ModuleUSB, desc.Type)
	assert.Equal(t, "hello", desc.Name)
	assert.EqualValues(t, 0x2000, desc.InitVA)

	off1, ok := img.vaToOffset(fx.targetSlot1)
	require.True(t, ok)
	assert.Equal(t, img.Base+0x1000, le.Uint64(img.Mem[off1:off1+8]))

	off2, ok := img.vaToOffset(fx.targetSlot2)
	require.True(t, ok)
	assert.Equal(t, img.Base+0x2000+0x10, le.Uint64(img.Mem[off2:off2+8]))
}

func TestLoad_RejectsWrongMachine(t *testing.T) {
	fx := buildModule(t, uint32(ModuleUSB), "bad")
	// e_machine sits right after e_type in the header (offset 18).
	le.PutUint16(fx.file[18:20], 3) // EM_386, not EM_X86_64
	alloc := &testAllocator{base: 0x400000}

	_, _, err := Load(fx.file, alloc)
	assert.ErrorIs(t, err, kerrors.ErrBadAbi)
}

func TestRegistry_LoadCommitsOnSuccessfulInit(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 0, nil
	}

	fx := buildModule(t, uint32(ModuleUSB), "hello")
	reg := NewRegistry(BaseCapabilities{})

	desc, err := reg.LoadModule("hello", LoadOptions{File: fx.file, Alloc: &testAllocator{base: 0x400000}})
	require.NoError(t, err)
	assert.Equal(t, "hello", desc.Name)
	assert.True(t, reg.Has("hello"))
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 0, nil
	}

	fx := buildModule(t, uint32(ModuleUSB), "hello")
	reg := NewRegistry(BaseCapabilities{})
	_, err := reg.LoadModule("hello", LoadOptions{File: fx.file, Alloc: &testAllocator{base: 0x400000}})
	require.NoError(t, err)

	_, err = reg.LoadModule("hello", LoadOptions{File: fx.file, Alloc: &testAllocator{base: 0x500000}})
	assert.ErrorIs(t, err, kerrors.ErrDuplicateModuleName)
}

func TestRegistry_InitFailureDoesNotCommit(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 1, nil
	}

	fx := buildModule(t, uint32(ModuleUSB), "flaky")
	reg := NewRegistry(BaseCapabilities{})
	_, err := reg.LoadModule("flaky", LoadOptions{File: fx.file, Alloc: &testAllocator{base: 0x400000}})
	assert.True(t, kerrors.Is(err, kerrors.ErrInitFailed))
	assert.False(t, reg.Has("flaky"))
}

func TestRegistry_UnloadVDriveDependents(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 0, nil
	}

	fx := buildModule(t, uint32(ModuleFS), "fsmod")
	reg := NewRegistry(BaseCapabilities{})
	_, err := reg.LoadModule("fsmod", LoadOptions{
		File:     fx.file,
		Alloc:    &testAllocator{base: 0x400000},
		VDriveID: 3,
	})
	require.NoError(t, err)
	require.True(t, reg.Has("fsmod"))

	unloaded := reg.UnloadVDriveDependents(3)
	assert.Equal(t, []string{"fsmod"}, unloaded)
	assert.False(t, reg.Has("fsmod"))
}

func TestLoad_RepeatedLoadOfSameBytesSucceeds(t *testing.T) {
	// "a second load of the same module is a no-op" is enforced by the
	// registry's duplicate-name check, not by Load itself; Load alone is
	// pure and may be called repeatedly on the same bytes.
	fx := buildModule(t, uint32(ModuleUSB), "hello")
	alloc := &testAllocator{base: 0x400000}

	_, desc1, err := Load(fx.file, alloc)
	require.NoError(t, err)
	_, desc2, err := Load(fx.file, &testAllocator{base: 0x700000})
	require.NoError(t, err)
	assert.Equal(t, desc1.Name, desc2.Name)
}

// fakeModuleSource is an in-memory ModuleSource standing in for the
// mounted boot filesystem's module directory.
type fakeModuleSource struct {
	dir   string
	files map[string][]byte
	reads int
}

func (s *fakeModuleSource) List(dir string) ([]string, error) {
	if dir != s.dir {
		return nil, kerrors.ErrNotFound
	}
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeModuleSource) Read(path string) ([]byte, error) {
	name := path[strings.LastIndexByte(path, '/')+1:]
	file, ok := s.files[name]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	s.reads++
	return file, nil
}

func testLoadOptions(file []byte) LoadOptions {
	return LoadOptions{File: file, Alloc: &testAllocator{base: 0x400000}}
}

func TestLoadAll_LoadsEachModuleOnceAndSecondScanIsNoOp(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 0, nil
	}

	src := &fakeModuleSource{
		dir: ModuleDirPath,
		files: map[string][]byte{
			"hello.sqrm":  buildModule(t, uint32(ModuleUSB), "hello").file,
			"README.txt":  []byte("not a module"),
			"fsmod.sqrm":  buildModule(t, uint32(ModuleFS), "fsmod").file,
		},
	}
	reg := NewRegistry(BaseCapabilities{})

	n := reg.LoadAll(src, ModuleDirPath, func(name string, file []byte) LoadOptions {
		return testLoadOptions(file)
	})
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("hello"))
	assert.True(t, reg.Has("fsmod"))
	assert.False(t, reg.Has("README"))

	// Second scan: both names are already committed, so nothing is even
	// read off the filesystem again.
	readsBefore := src.reads
	n = reg.LoadAll(src, ModuleDirPath, func(name string, file []byte) LoadOptions {
		return testLoadOptions(file)
	})
	assert.Equal(t, 0, n)
	assert.Equal(t, readsBefore, src.reads)
}

func TestLoadAll_TamperedModuleIsRejectedWithoutCommit(t *testing.T) {
	orig := callModuleInit
	defer func() { callModuleInit = orig }()
	callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
		return 0, nil
	}

	tampered := buildModule(t, uint32(ModuleUSB), "evil")
	le.PutUint16(tampered.file[18:20], 3) // EM_386, not EM_X86_64
	src := &fakeModuleSource{
		dir:   ModuleDirPath,
		files: map[string][]byte{"evil.sqrm": tampered.file},
	}
	reg := NewRegistry(BaseCapabilities{})

	n := reg.LoadAll(src, ModuleDirPath, func(name string, file []byte) LoadOptions {
		return testLoadOptions(file)
	})
	assert.Equal(t, 0, n)
	assert.False(t, reg.Has("evil"))
}

func TestLoadAll_MissingDirectoryYieldsZeroLoads(t *testing.T) {
	src := &fakeModuleSource{dir: ModuleDirPath}
	reg := NewRegistry(BaseCapabilities{})

	n := reg.LoadAll(src, "/ModuOS/NoSuchDir", func(name string, file []byte) LoadOptions {
		return testLoadOptions(file)
	})
	assert.Equal(t, 0, n)
}
