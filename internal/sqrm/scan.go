// Module discovery: the boot filesystem carries loadable modules as
// *.sqrm files under one fixed directory, scanned once the boot mount is
// up. Discovery is separate from LoadModule so the registry itself never
// touches a filesystem; the caller injects a ModuleSource backed by the
// mounted boot FS.
package sqrm

import (
	"strings"

	"github.com/moduos/moduos/internal/klog"
)

// ModuleDirPath is the well-known directory on the boot filesystem
// scanned for loadable modules.
const ModuleDirPath = "/ModuOS/System64/Modules"

// ModuleExt is the file extension every module image carries.
const ModuleExt = ".sqrm"

// ModuleSource lists and reads module files on the boot filesystem;
// cmd/moduos backs it with the mounted boot FS through internal/vfs.
type ModuleSource interface {
	List(dir string) (names []string, err error)
	Read(path string) ([]byte, error)
}

// LoadAll scans dir on src for *.sqrm files and commits each through
// LoadModule, keyed by the file's base name without the extension. Names
// already committed are skipped, so a second scan of the same directory
// is a no-op. Individual read or load failures are logged and do not
// stop the scan; a missing or unreadable directory is normal on a
// freshly formatted volume and yields zero loads. makeOpts builds the
// per-module LoadOptions (allocator and capability hooks) for each
// discovered image. Returns the number of newly committed modules.
func (r *Registry) LoadAll(src ModuleSource, dir string, makeOpts func(name string, file []byte) LoadOptions) int {
	names, err := src.List(dir)
	if err != nil {
		klog.Warnf("sqrm: module directory %s: %v", dir, err)
		return 0
	}

	loaded := 0
	for _, fname := range names {
		if !strings.HasSuffix(strings.ToLower(fname), ModuleExt) {
			continue
		}
		name := fname[:len(fname)-len(ModuleExt)]
		if r.Has(name) {
			continue
		}
		file, err := src.Read(dir + "/" + fname)
		if err != nil {
			klog.Warnf("sqrm: read %s/%s: %v", dir, fname, err)
			continue
		}
		if _, err := r.LoadModule(name, makeOpts(name, file)); err != nil {
			klog.Warnf("sqrm: load %s: %v", fname, err)
			continue
		}
		loaded++
	}
	return loaded
}
