package sqrm

import (
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
)

// ImageAllocator carves out the page-aligned, zero-initialized image
// buffer a module is loaded into. Production code
// backs this with internal/kheap + internal/paging; tests use a plain
// slice-backed allocator.
type ImageAllocator interface {
	Alloc(size int) (base uint64, mem []byte, err error)
}

// Image is one loaded (but not yet relocated/initialized) SQRM module
// image.
type Image struct {
	Base     uint64
	Mem      []byte
	MinVAddr uint64
}

// vaToOffset maps a link-time virtual address to an offset into Mem,
// tolerating image-relative values some toolchains emit: if va is below
// the image size, it is treated as already being an offset.
func (img *Image) vaToOffset(va uint64) (int, bool) {
	if va >= img.MinVAddr && va-img.MinVAddr < uint64(len(img.Mem)) {
		return int(va - img.MinVAddr), true
	}
	if va < uint64(len(img.Mem)) {
		return int(va), true
	}
	return 0, false
}

// loadImage computes the PT_LOAD span, allocates the image, and copies
// each segment's file content in.
func loadImage(file []byte, phdrs []Phdr64, alloc ImageAllocator) (*Image, error) {
	var minV, maxV uint64
	found := false
	for _, p := range phdrs {
		if p.Type != ptLoad {
			continue
		}
		if !found || p.Vaddr < minV {
			minV = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; !found || end > maxV {
			maxV = end
		}
		found = true
	}
	if !found {
		return nil, kerrors.ErrBadElf
	}

	size := int(maxV - minV)
	base, mem, err := alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	img := &Image{Base: base, Mem: mem, MinVAddr: minV}

	for _, p := range phdrs {
		if p.Type != ptLoad || p.Filesz == 0 {
			continue
		}
		if p.Offset+p.Filesz > uint64(len(file)) {
			return nil, kerrors.ErrBadElf
		}
		dst := p.Vaddr - minV
		if dst+p.Filesz > uint64(len(mem)) {
			return nil, kerrors.ErrBadElf
		}
		copy(mem[dst:dst+p.Filesz], file[p.Offset:p.Offset+p.Filesz])
	}
	return img, nil
}

// findDynamicPhdr returns the PT_DYNAMIC segment, if any.
func findDynamicPhdr(phdrs []Phdr64) (Phdr64, bool) {
	for _, p := range phdrs {
		if p.Type == ptDynamic {
			return p, true
		}
	}
	return Phdr64{}, false
}

func dynLookup(tags []Dyn64, tag int64) (uint64, bool) {
	for _, d := range tags {
		if d.Tag == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// Load runs the full load procedure: read, span+allocate,
// relocate (PT_DYNAMIC then SHT_RELA sections), locate and validate
// sqrm_module_desc. It does not call init; that is the registry's job,
// so a failing init can still unload cleanly.
func Load(file []byte, alloc ImageAllocator) (*Image, *Descriptor, error) {
	ehdr, err := parseEhdr(file)
	if err != nil {
		return nil, nil, err
	}
	phdrs, err := parsePhdrs(file, ehdr)
	if err != nil {
		return nil, nil, err
	}
	img, err := loadImage(file, phdrs, alloc)
	if err != nil {
		return nil, nil, err
	}

	var dynTags []Dyn64
	if dynPhdr, ok := findDynamicPhdr(phdrs); ok {
		off, ok := img.vaToOffset(dynPhdr.Vaddr)
		if !ok {
			return nil, nil, kerrors.ErrBadElf
		}
		dynTags, err = parseDynTags(img.Mem, uint64(off), dynPhdr.Filesz)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := applyDynamicRelocations(img, dynTags); err != nil {
		klog.Warnf("sqrm: dynamic relocation pass: %v", err)
	}

	shdrs, shdrErr := parseShdrs(file, ehdr)
	if shdrErr != nil {
		klog.Warnf("sqrm: section headers unreadable, skipping section relocation pass: %v", shdrErr)
		shdrs = nil
	} else if serr := applySectionRelocations(img, file, shdrs); serr != nil {
		klog.Warnf("sqrm: section relocation pass: %v", serr)
	}

	desc, err := findModuleDescriptor(img, file, dynTags, shdrs)
	if err != nil {
		return img, nil, err
	}
	return img, desc, nil
}
