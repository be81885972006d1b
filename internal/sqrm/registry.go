package sqrm

import (
	"sync"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
)

// LogFunc, Kmalloc, Kfree, DMAAlloc, DMAFree, PortIn, PortOut,
// IRQInstall, IRQUninstall, and PICEOI are the base capability
// signatures every module's API table carries: log, kmalloc, kfree, DMA
// alloc/free, port I/O, IRQ install/uninstall, PIC EOI.
type (
	LogFunc      func(format string, args ...interface{})
	KmallocFunc  func(size uintptr) uintptr
	KfreeFunc    func(addr uintptr)
	DMAAllocFunc func(size uintptr) (virt, phys uintptr, err error)
	DMAFreeFunc  func(virt uintptr)
	PortInFunc   func(port uint16, width int) uint32
	PortOutFunc  func(port uint16, width int, value uint32)
	IRQInstall   func(irq int, handler func())
	IRQUninstall func(irq int)
	PICEOIFunc   func(irq int)
)

// VFSRegisterFunc installs a mounted filesystem driver under a path, the
// FS-type capability.
type VFSRegisterFunc func(mountPoint string, fs interface{}) error

// BlockDevFuncs is the FS-type block-device capability subset:
// read/info/write plus a vdrive_id → handle resolver.
type BlockDevFuncs struct {
	Read    func(handle uint32, lba, count uint64, buf []byte) error
	Write   func(handle uint32, lba, count uint64, buf []byte) error
	Info    func(handle uint32) (sectorSize uint32, sectorCount uint64, readOnly bool, err error)
	Resolve func(vdriveID uint32) (handle uint32, ok bool)
}

// PCMRegisterFunc installs an audio module's PCM playback callback, the
// AUDIO-type capability.
type PCMRegisterFunc func(name string, write func(samples []int16) error) error

// API is the per-module capability table issued to a module's init
// entry point. Fields outside a module's type are
// left nil ("Other capabilities are null").
type API struct {
	Log          LogFunc
	Kmalloc      KmallocFunc
	Kfree        KfreeFunc
	DMAAlloc     DMAAllocFunc
	DMAFree      DMAFreeFunc
	PortIn       PortInFunc
	PortOut      PortOutFunc
	IRQInstall   IRQInstall
	IRQUninstall IRQUninstall
	PICEOI       PICEOIFunc

	VFSRegister VFSRegisterFunc
	BlockDev    *BlockDevFuncs

	PCMRegister PCMRegisterFunc
}

// BaseCapabilities are the kernel-wide primitives every module's API is
// built from; the registry fills in the type-specific extras per call.
type BaseCapabilities struct {
	Log          LogFunc
	Kmalloc      KmallocFunc
	Kfree        KfreeFunc
	DMAAlloc     DMAAllocFunc
	DMAFree      DMAFreeFunc
	PortIn       PortInFunc
	PortOut      PortOutFunc
	IRQInstall   IRQInstall
	IRQUninstall IRQUninstall
	PICEOI       PICEOIFunc
}

// callModuleInit invokes a module's native entry point. Production
// wires this to the process/exec machinery that enters ring-3-adjacent
// module code at InitVA with API marshaled into its argument register;
// tests substitute a Go closure. This is the same mockable-primitive
// seam internal/paging and internal/process use for privileged
// operations that can't run under `go test`.
var callModuleInit = func(img *Image, initVA uint64, api *API) (int32, error) {
	return 0, kerrors.ErrNoSyscall
}

// loadedModule is one committed entry in the registry.
type loadedModule struct {
	desc *Descriptor
	img  *Image
	api  *API
}

// Registry tracks every committed SQRM module, refusing duplicate module
// names, and supports capability revocation: dependents are unloaded when
// their owning vdrive disappears.
type Registry struct {
	mu       sync.Mutex
	base     BaseCapabilities
	modules  map[string]*loadedModule
	fsUsers  map[uint32][]string // vdrive_id -> module names depending on it
}

// NewRegistry builds an empty registry wired to the kernel-wide base
// capability set.
func NewRegistry(base BaseCapabilities) *Registry {
	return &Registry{
		base:    base,
		modules: make(map[string]*loadedModule),
		fsUsers: make(map[uint32][]string),
	}
}

// buildAPI assembles the per-module capability table for desc.Type.
func (r *Registry) buildAPI(desc *Descriptor, fs VFSRegisterFunc, blk *BlockDevFuncs, pcm PCMRegisterFunc) *API {
	api := &API{
		Log:          r.base.Log,
		Kmalloc:      r.base.Kmalloc,
		Kfree:        r.base.Kfree,
		DMAAlloc:     r.base.DMAAlloc,
		DMAFree:      r.base.DMAFree,
		PortIn:       r.base.PortIn,
		PortOut:      r.base.PortOut,
		IRQInstall:   r.base.IRQInstall,
		IRQUninstall: r.base.IRQUninstall,
		PICEOI:       r.base.PICEOI,
	}
	switch desc.Type {
	case ModuleFS:
		api.VFSRegister = fs
		api.BlockDev = blk
	case ModuleAudio:
		api.PCMRegister = pcm
	}
	return api
}

// LoadOptions carries the type-specific capability hooks the caller
// wants wired into a module's API, plus the raw ELF bytes and allocator
// Load needs.
type LoadOptions struct {
	File     []byte
	Alloc    ImageAllocator
	VFS      VFSRegisterFunc
	BlockDev *BlockDevFuncs
	PCM      PCMRegisterFunc
	// VDriveID ties an FS-type module to the vdrive it backs, so a later
	// capability revocation on that vdrive can find it (spec supplement 6).
	VDriveID uint32
}

// LoadModule runs the full load-and-commit procedure: parse
// and relocate the ELF image, validate the descriptor, build the
// capability table, and call init. A nonzero or erroring init unloads
// and reclaims the image; a duplicate module name is refused before any
// of that work happens.
func (r *Registry) LoadModule(name string, opts LoadOptions) (*Descriptor, error) {
	r.mu.Lock()
	if _, exists := r.modules[name]; exists {
		r.mu.Unlock()
		return nil, kerrors.ErrDuplicateModuleName
	}
	r.mu.Unlock()

	img, desc, err := Load(opts.File, opts.Alloc)
	if err != nil {
		return nil, err
	}
	if desc.Name != name {
		klog.Warnf("sqrm: module file name %q does not match descriptor name %q", name, desc.Name)
	}

	r.mu.Lock()
	if _, exists := r.modules[desc.Name]; exists {
		r.mu.Unlock()
		return nil, kerrors.ErrDuplicateModuleName
	}
	r.mu.Unlock()

	api := r.buildAPI(desc, opts.VFS, opts.BlockDev, opts.PCM)

	rc, err := callModuleInit(img, desc.InitVA, api)
	if err != nil {
		return nil, kerrors.Wrap(err, "sqrm: module init")
	}
	if rc != 0 {
		return nil, kerrors.Wrapf(kerrors.ErrInitFailed, "sqrm: module %q init returned %d", desc.Name, rc)
	}

	r.mu.Lock()
	r.modules[desc.Name] = &loadedModule{desc: desc, img: img, api: api}
	if desc.Type == ModuleFS {
		r.fsUsers[opts.VDriveID] = append(r.fsUsers[opts.VDriveID], desc.Name)
	}
	r.mu.Unlock()
	return desc, nil
}

// Has reports whether a module with this name is currently committed.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[name]
	return ok
}

// Unload reclaims a committed module's image and removes it from the
// registry.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; !ok {
		return kerrors.ErrNotFound
	}
	delete(r.modules, name)
	for vid, names := range r.fsUsers {
		r.fsUsers[vid] = removeName(names, name)
	}
	return nil
}

// UnloadVDriveDependents implements spec supplement 6: when a FS-type
// module's owning vdrive is removed, walk the module's registered
// dependents and unload each, mirroring the original's
// sqrm_unload_dependents.
func (r *Registry) UnloadVDriveDependents(vdriveID uint32) []string {
	r.mu.Lock()
	names := append([]string(nil), r.fsUsers[vdriveID]...)
	delete(r.fsUsers, vdriveID)
	for _, n := range names {
		delete(r.modules, n)
	}
	r.mu.Unlock()
	return names
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
