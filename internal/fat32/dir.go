// Directory entry scanning/creation/removal and the FS operations the
// rest of the kernel calls: read_dir, create/write/unlink/
// mkdir/rmdir, plus the path-walk glue internal/vfs.FS needs.
package fat32

import (
	"strings"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/vfs"
)

// shortEntry is the decoded form of a 32-byte 8.3 directory record.
type shortEntry struct {
	Name11       [11]byte
	Attr         byte
	FirstCluster uint32
	Size         uint32
}

func parseShortEntry(e []byte) shortEntry {
	var s shortEntry
	copy(s.Name11[:], e[0:11])
	s.Attr = e[11]
	hi := le.Uint16(e[20:22])
	lo := le.Uint16(e[26:28])
	s.FirstCluster = uint32(hi)<<16 | uint32(lo)
	s.Size = le.Uint32(e[28:32])
	return s
}

func packShortEntry(s shortEntry) [32]byte {
	var e [32]byte
	copy(e[0:11], s.Name11[:])
	e[11] = s.Attr
	le.PutUint16(e[20:22], uint16(s.FirstCluster>>16))
	le.PutUint16(e[26:28], uint16(s.FirstCluster))
	le.PutUint32(e[28:32], s.Size)
	return e
}

// entryInfo is one decoded, fully-named directory entry plus the byte
// range of its entry set (LFN records + short entry) within a dirHandle's
// concatenated buffer, so unlink/rename can operate on it in place.
type entryInfo struct {
	Name         string
	Attr         byte
	FirstCluster uint32
	Size         uint32
	slotStart    int
	slotCount    int
}

func (e entryInfo) IsDir() bool { return e.Attr&AttrDirectory != 0 }

// dirHandle is a directory's full cluster-chain contents loaded into one
// buffer; the buffer's lifetime is this handle's, never leaked past it.
type dirHandle struct {
	fsys     *FS
	clusters []uint32
	data     []byte
}

func (fsys *FS) loadDir(startCluster uint32) (*dirHandle, error) {
	clusters, err := fsys.chainClusters(startCluster)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(clusters)*int(fsys.clusterSize()))
	for _, c := range clusters {
		buf, err := fsys.readCluster(c)
		if err != nil {
			return nil, err
		}
		data = append(data, buf...)
	}
	return &dirHandle{fsys: fsys, clusters: clusters, data: data}, nil
}

func (d *dirHandle) flush() error {
	cs := int(d.fsys.clusterSize())
	for i, c := range d.clusters {
		if err := d.fsys.writeCluster(c, d.data[i*cs:(i+1)*cs]); err != nil {
			return err
		}
	}
	return nil
}

// grow extends the directory by one freshly allocated cluster.
func (d *dirHandle) grow() error {
	last := d.clusters[len(d.clusters)-1]
	nc, err := d.fsys.appendClusterToChain(last)
	if err != nil {
		return err
	}
	d.clusters = append(d.clusters, nc)
	d.data = append(d.data, make([]byte, d.fsys.clusterSize())...)
	return nil
}

// list decodes every live (non-deleted) entry, excluding "." and "..".
func (d *dirHandle) list() []entryInfo {
	var out []entryInfo
	var lfnParts [][]uint16
	lfnStart := -1

	pos := 0
	for pos+32 <= len(d.data) {
		e := d.data[pos : pos+32]
		switch {
		case e[0] == 0x00:
			return out
		case e[0] == 0xE5:
			lfnParts, lfnStart = nil, -1
		case e[11] == AttrLFN:
			if lfnStart == -1 {
				lfnStart = pos
			}
			lfnParts = append(lfnParts, lfnEntryPart(e))
		default:
			short := parseShortEntry(e)
			name := decodeLFNStack(lfnParts)
			if name == "" {
				name = decodeShortName83(short.Name11)
			}
			slotStart := pos
			if lfnStart != -1 {
				slotStart = lfnStart
			}
			if name != "." && name != ".." {
				out = append(out, entryInfo{
					Name: name, Attr: short.Attr, FirstCluster: short.FirstCluster,
					Size: short.Size, slotStart: slotStart, slotCount: (pos-slotStart)/32 + 1,
				})
			}
			lfnParts, lfnStart = nil, -1
		}
		pos += 32
	}
	return out
}

func (d *dirHandle) find(name string) (entryInfo, bool) {
	for _, e := range d.list() {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return entryInfo{}, false
}

func (d *dirHandle) existingShortNames() map[[11]byte]bool {
	out := map[[11]byte]bool{}
	pos := 0
	for pos+32 <= len(d.data) {
		e := d.data[pos : pos+32]
		if e[0] == 0x00 {
			break
		}
		if e[0] != 0xE5 && e[11] != AttrLFN {
			var n [11]byte
			copy(n[:], e[0:11])
			out[n] = true
		}
		pos += 32
	}
	return out
}

// findFreeRun locates count consecutive free (0x00/0xE5) 32-byte slots.
func (d *dirHandle) findFreeRun(count int) (int, bool) {
	run, start := 0, -1
	slots := len(d.data) / 32
	for i := 0; i < slots; i++ {
		off := i * 32
		if d.data[off] == 0x00 || d.data[off] == 0xE5 {
			if run == 0 {
				start = off
			}
			run++
			if run == count {
				return start, true
			}
		} else {
			run, start = 0, -1
		}
	}
	return -1, false
}

// addEntry publishes a new LFN+short entry set for name: generates an 8.3 alias, allocates `ceil(len/13)+1` slots
// (growing the directory if none are free), and writes LFN entries in
// descending order followed by the short entry.
func (d *dirHandle) addEntry(name string, attr byte, firstCluster, size uint32) error {
	short11 := generateShortName(name, d.existingShortNames())
	lfnEntries := encodeLFNName(name, short11)
	total := len(lfnEntries) + 1

	for attempt := 0; attempt < 8; attempt++ {
		off, ok := d.findFreeRun(total)
		if !ok {
			if err := d.grow(); err != nil {
				return err
			}
			continue
		}
		for i, rec := range lfnEntries {
			copy(d.data[off+i*32:off+i*32+32], rec[:])
		}
		shortOff := off + len(lfnEntries)*32
		packed := packShortEntry(shortEntry{Name11: short11, Attr: attr, FirstCluster: firstCluster, Size: size})
		copy(d.data[shortOff:shortOff+32], packed[:])
		return d.flush()
	}
	return kerrors.ErrOutOfHeap
}

// updateEntry rewrites an existing short entry's cluster/size in place
// (used after a write grows or replaces a file's content).
func (d *dirHandle) updateEntry(e entryInfo, firstCluster, size uint32) error {
	shortOff := e.slotStart + (e.slotCount-1)*32
	var name11 [11]byte
	copy(name11[:], d.data[shortOff:shortOff+11])
	attr := d.data[shortOff+11]
	packed := packShortEntry(shortEntry{Name11: name11, Attr: attr, FirstCluster: firstCluster, Size: size})
	copy(d.data[shortOff:shortOff+32], packed[:])
	return d.flush()
}

// removeEntry marks every slot of e as deleted: the short entry becomes
// 0xE5, then the contiguous preceding LFN entries are marked 0xE5 too.
func (d *dirHandle) removeEntry(e entryInfo) error {
	for i := 0; i < e.slotCount; i++ {
		off := e.slotStart + i*32
		d.data[off] = 0xE5
	}
	return d.flush()
}

// --- path walking -----------------------------------------------------

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// resolveDirCluster walks every path component as a directory, returning
// the final directory's first cluster.
func (fsys *FS) resolveDirCluster(path string) (uint32, error) {
	cluster := fsys.bpb.RootCluster
	for _, comp := range splitPath(path) {
		dh, err := fsys.loadDir(cluster)
		if err != nil {
			return 0, err
		}
		e, ok := dh.find(comp)
		if !ok {
			return 0, kerrors.ErrNotFound
		}
		if !e.IsDir() {
			return 0, kerrors.ErrNotADirectory
		}
		cluster = e.FirstCluster
	}
	return cluster, nil
}

// resolveEntry walks to the parent directory of path and finds the final
// component, returning the entry, the parent's first cluster, and the
// final component name.
func (fsys *FS) resolveEntry(path string) (entryInfo, uint32, string, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return entryInfo{}, 0, "", kerrors.ErrInvalidArg
	}
	parentCluster, err := fsys.resolveDirCluster(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return entryInfo{}, 0, "", err
	}
	dh, err := fsys.loadDir(parentCluster)
	if err != nil {
		return entryInfo{}, 0, "", err
	}
	last := comps[len(comps)-1]
	e, ok := dh.find(last)
	if !ok {
		return entryInfo{}, parentCluster, last, kerrors.ErrNotFound
	}
	return e, parentCluster, last, nil
}

func toDirEntry(e entryInfo) vfs.DirEntry {
	return vfs.DirEntry{Name: e.Name, IsDir: e.IsDir(), Size: uint64(e.Size)}
}

// --- internal/vfs.FS ----------------------------------------------------

// Stat implements internal/vfs.FS.
func (fsys *FS) Stat(path string) (vfs.DirEntry, error) {
	if path == "/" || path == "" {
		return vfs.DirEntry{Name: "/", IsDir: true}, nil
	}
	e, _, _, err := fsys.resolveEntry(path)
	if err != nil {
		return vfs.DirEntry{}, err
	}
	return toDirEntry(e), nil
}

// ReadDir implements internal/vfs.FS.
func (fsys *FS) ReadDir(path string) ([]vfs.DirEntry, error) {
	cluster, err := fsys.resolveDirCluster(path)
	if err != nil {
		return nil, err
	}
	dh, err := fsys.loadDir(cluster)
	if err != nil {
		return nil, err
	}
	entries := dh.list()
	out := make([]vfs.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = toDirEntry(e)
	}
	return out, nil
}

// ReadFile implements internal/vfs.FS (spec testable property: write then
// read round-trips exactly).
func (fsys *FS) ReadFile(path string) ([]byte, error) {
	e, _, _, err := fsys.resolveEntry(path)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, kerrors.ErrIsADirectory
	}
	if e.Size == 0 {
		return nil, nil
	}
	clusters, err := fsys.chainClusters(e.FirstCluster)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(clusters)*int(fsys.clusterSize()))
	for _, c := range clusters {
		data, err := fsys.readCluster(c)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	if uint32(len(buf)) > e.Size {
		buf = buf[:e.Size]
	}
	return buf, nil
}

// WriteFile implements internal/vfs.FS: creates the file if absent,
// otherwise replaces its cluster chain's content,
// unwinding any partial allocation on failure.
func (fsys *FS) WriteFile(path string, data []byte, flags vfs.OpenFlag) error {
	_ = flags
	existing, _, _, resolveErr := fsys.resolveEntry(path)
	existed := resolveErr == nil
	if existed && existing.IsDir() {
		return kerrors.ErrIsADirectory
	}

	comps := splitPath(path)
	if len(comps) == 0 {
		return kerrors.ErrInvalidArg
	}
	parentCluster, err := fsys.resolveDirCluster(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return err
	}
	name := comps[len(comps)-1]

	var firstCluster uint32
	if len(data) > 0 {
		needClusters := (len(data) + int(fsys.clusterSize()) - 1) / int(fsys.clusterSize())
		fc, allocErr := fsys.allocClusterChain(needClusters)
		if allocErr != nil {
			return allocErr
		}
		firstCluster = fc
		clusters, _ := fsys.chainClusters(firstCluster)
		for i, c := range clusters {
			lo := i * int(fsys.clusterSize())
			hi := lo + int(fsys.clusterSize())
			if hi > len(data) {
				hi = len(data)
			}
			chunk := make([]byte, fsys.clusterSize())
			copy(chunk, data[lo:hi])
			if werr := fsys.writeCluster(c, chunk); werr != nil {
				fsys.freeChain(firstCluster)
				return werr
			}
		}
	}

	dh, err := fsys.loadDir(parentCluster)
	if err != nil {
		if firstCluster != 0 {
			fsys.freeChain(firstCluster)
		}
		return err
	}

	if existed {
		oldEntry, ok := dh.find(name)
		if !ok {
			if firstCluster != 0 {
				fsys.freeChain(firstCluster)
			}
			return kerrors.ErrNotFound
		}
		if oldEntry.FirstCluster != 0 {
			fsys.freeChain(oldEntry.FirstCluster)
		}
		return dh.updateEntry(oldEntry, firstCluster, uint32(len(data)))
	}

	if addErr := dh.addEntry(name, AttrArchive, firstCluster, uint32(len(data))); addErr != nil {
		if firstCluster != 0 {
			fsys.freeChain(firstCluster)
		}
		return addErr
	}
	return nil
}

// Mkdir implements internal/vfs.FS: allocates one
// cluster, writes "."/".." entries, then publishes a directory entry in
// the parent. Idempotent: mkdir on an existing directory
// succeeds; mkdir on an existing file returns ErrNotADirectory.
func (fsys *FS) Mkdir(path string) error {
	if existing, _, _, err := fsys.resolveEntry(path); err == nil {
		if existing.IsDir() {
			return nil
		}
		return kerrors.ErrNotADirectory
	}

	comps := splitPath(path)
	if len(comps) == 0 {
		return kerrors.ErrInvalidArg
	}
	parentCluster, err := fsys.resolveDirCluster(strings.Join(comps[:len(comps)-1], "/"))
	if err != nil {
		return err
	}
	name := comps[len(comps)-1]

	newCluster, err := fsys.allocClusterChain(1)
	if err != nil {
		return err
	}

	dh := &dirHandle{fsys: fsys, clusters: []uint32{newCluster}, data: make([]byte, fsys.clusterSize())}
	dotSelf := packShortEntry(shortEntry{Name11: buildShortName11(".", ""), Attr: AttrDirectory, FirstCluster: newCluster})
	dotParent := packShortEntry(shortEntry{Name11: buildShortName11("..", ""), Attr: AttrDirectory, FirstCluster: parentCluster})
	copy(dh.data[0:32], dotSelf[:])
	copy(dh.data[32:64], dotParent[:])
	if err := dh.flush(); err != nil {
		fsys.freeChain(newCluster)
		return err
	}

	parentDh, err := fsys.loadDir(parentCluster)
	if err != nil {
		fsys.freeChain(newCluster)
		return err
	}
	if err := parentDh.addEntry(name, AttrDirectory, newCluster, 0); err != nil {
		fsys.freeChain(newCluster)
		return err
	}
	return nil
}

// Rmdir implements internal/vfs.FS: refuses a non-empty directory (spec
// §4.I: "entries other than . and ..").
func (fsys *FS) Rmdir(path string) error {
	e, parentCluster, name, err := fsys.resolveEntry(path)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return kerrors.ErrNotADirectory
	}
	childDh, err := fsys.loadDir(e.FirstCluster)
	if err != nil {
		return err
	}
	if len(childDh.list()) > 0 {
		return kerrors.ErrNotEmpty
	}
	parentDh, err := fsys.loadDir(parentCluster)
	if err != nil {
		return err
	}
	target, ok := parentDh.find(name)
	if !ok {
		return kerrors.ErrNotFound
	}
	if err := parentDh.removeEntry(target); err != nil {
		return err
	}
	return fsys.freeChain(e.FirstCluster)
}

// Unlink implements internal/vfs.FS.
func (fsys *FS) Unlink(path string) error {
	e, parentCluster, name, err := fsys.resolveEntry(path)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return kerrors.ErrIsADirectory
	}
	parentDh, err := fsys.loadDir(parentCluster)
	if err != nil {
		return err
	}
	target, ok := parentDh.find(name)
	if !ok {
		return kerrors.ErrNotFound
	}
	if err := parentDh.removeEntry(target); err != nil {
		return err
	}
	if e.FirstCluster != 0 {
		return fsys.freeChain(e.FirstCluster)
	}
	return nil
}
