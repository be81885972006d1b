// Mount, cluster-chain traversal, and FAT table maintenance.
package fat32

import (
	"github.com/moduos/moduos/internal/diskfmt"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/klog"
)

// FS is one mounted FAT32 volume, implementing internal/vfs.FS.
type FS struct {
	io  SectorIO
	bpb BPB

	sectorSize      uint32
	fatStartLBA     uint32
	dataStartLBA    uint32
	sectorsPerClust uint32
	freeHint        uint32
}

// Mount reads LBA 0 of the partition, validates the 0x55AA signature and
// the BPB sanity checks, and returns a mounted FS.
func Mount(io SectorIO) (*FS, error) {
	sectorSize := io.SectorSize()
	if sectorSize == 0 {
		sectorSize = 512
	}
	sector := make([]byte, sectorSize)
	if err := io.ReadSectors(0, 1, sector); err != nil {
		return nil, kerrors.Wrap(err, "fat32: read boot sector")
	}

	bpb, err := parseBPB(sector)
	if err != nil {
		return nil, err
	}
	if int(bpb.BytesPerSector)-2 < 0 || int(bpb.BytesPerSector)-2+1 >= len(sector) {
		return nil, kerrors.ErrBadSignature
	}
	sigOff := int(bpb.BytesPerSector) - 2
	if sector[sigOff] != 0x55 || sector[sigOff+1] != 0xAA {
		return nil, kerrors.ErrBadSignature
	}
	if err := bpb.validate(); err != nil {
		return nil, err
	}

	fs := &FS{
		io:              io,
		bpb:             bpb,
		sectorSize:      uint32(bpb.BytesPerSector),
		fatStartLBA:     uint32(bpb.ReservedSectors),
		dataStartLBA:    bpb.firstDataSector(),
		sectorsPerClust: uint32(bpb.SectorsPerClust),
		freeHint:        ClusterFirst,
	}

	if bpb.FSInfoSector != 0 {
		fiSector := make([]byte, fs.sectorSize)
		if err := io.ReadSectors(uint64(bpb.FSInfoSector), 1, fiSector); err == nil {
			if fi, ok := parseFSInfo(fiSector); ok && fi.NextFree >= ClusterFirst {
				fs.freeHint = fi.NextFree
			}
		}
	}

	return fs, nil
}

// Format writes a fresh FAT32 volume spanning totalSectors sectors of io,
// starting at its sector 0: BPB, both FAT
// copies zeroed with the root directory's entry reserved, and an empty
// root directory cluster. mbrSector, when non-nil, is the caller's LBA0
// buffer; Format retypes the named partition entry to 0x0C.
func Format(io SectorIO, totalSectors uint32, sectorSize uint32, mbrSector []byte, partitionIndex int) (*FS, error) {
	const sectorsPerClust = 8 // 4 KiB clusters at 512 B sectors
	const numFATs = 2
	const reservedSectors = 32

	clusterBytes := sectorsPerClust * sectorSize
	dataSectors := totalSectors - reservedSectors
	fatEntries := dataSectors/sectorsPerClust + 2
	fatSize := (fatEntries*4 + sectorSize - 1) / sectorSize

	bpb := BPB{
		BytesPerSector:  uint16(sectorSize),
		SectorsPerClust: sectorsPerClust,
		ReservedSectors: reservedSectors,
		NumFATs:         numFATs,
		MediaType:       0xF8,
		FATSize32:       fatSize,
		RootCluster:     ClusterFirst,
		FSInfoSector:    1,
		BackupBootSect:  6,
		DriveNumber:     0x80,
		BootSignature:   0x29,
		VolumeID:        0x12345678,
		TotalSectors32:  totalSectors,
	}
	copy(bpb.OEMName[:], "MODUOS  ")
	copy(bpb.VolumeLabel[:], "NO NAME    ")
	copy(bpb.FSType[:], "FAT32   ")

	fsys := &FS{
		io: io, bpb: bpb, sectorSize: sectorSize,
		fatStartLBA: reservedSectors, dataStartLBA: reservedSectors + numFATs*fatSize,
		sectorsPerClust: sectorsPerClust, freeHint: ClusterFirst,
	}

	if err := fsys.writeBootSector(); err != nil {
		return nil, err
	}
	if err := fsys.writeFSInfo(); err != nil {
		return nil, err
	}
	if err := fsys.zeroFATs(); err != nil {
		return nil, err
	}
	// Reserve cluster 0/1 per the FAT32 spec, and terminate the root
	// directory's single-cluster chain.
	if err := fsys.setFATEntry(0, 0x0FFFFFF8); err != nil {
		return nil, err
	}
	if err := fsys.setFATEntry(1, 0x0FFFFFFF); err != nil {
		return nil, err
	}
	if err := fsys.setFATEntry(ClusterFirst, 0x0FFFFFFF); err != nil {
		return nil, err
	}
	rootDir := make([]byte, clusterBytes)
	if err := fsys.writeCluster(ClusterFirst, rootDir); err != nil {
		return nil, err
	}

	if mbrSector != nil && partitionIndex > 0 {
		if err := diskfmt.WritePartitionType(mbrSector, partitionIndex, 0x0C); err != nil {
			klog.Warnf("fat32: format could not retype partition %d: %v", partitionIndex, err)
		}
	}

	klog.Infof("fat32: formatted %d sectors, %d-sector FAT x%d", totalSectors, fatSize, numFATs)
	return fsys, nil
}

func (fsys *FS) writeBootSector() error {
	sector := make([]byte, fsys.sectorSize)
	packBPB(sector, fsys.bpb)
	sector[fsys.sectorSize-2] = 0x55
	sector[fsys.sectorSize-1] = 0xAA
	return fsys.io.WriteSectors(0, 1, sector)
}

func (fsys *FS) writeFSInfo() error {
	if fsys.bpb.FSInfoSector == 0 {
		return nil
	}
	sector := make([]byte, fsys.sectorSize)
	copy(sector, packFSInfo(0xFFFFFFFF, ClusterFirst+1))
	return fsys.io.WriteSectors(uint64(fsys.bpb.FSInfoSector), 1, sector)
}

func (fsys *FS) zeroFATs() error {
	zero := make([]byte, fsys.sectorSize)
	fatSectors := fsys.bpb.fatSize()
	for fatN := uint32(0); fatN < uint32(fsys.bpb.NumFATs); fatN++ {
		base := uint64(fsys.fatStartLBA) + uint64(fatN)*uint64(fatSectors)
		for s := uint32(0); s < fatSectors; s++ {
			if err := fsys.io.WriteSectors(base+uint64(s), 1, zero); err != nil {
				return kerrors.Wrap(err, "fat32: zero fat")
			}
		}
	}
	return nil
}

// clusterLBA returns the partition-relative LBA of the first sector of
// cluster.
func (fsys *FS) clusterLBA(cluster uint32) uint64 {
	return uint64(fsys.dataStartLBA) + uint64(cluster-ClusterFirst)*uint64(fsys.sectorsPerClust)
}

// clusterSize is the byte size of one cluster.
func (fsys *FS) clusterSize() uint32 { return fsys.sectorsPerClust * fsys.sectorSize }

func (fsys *FS) readCluster(cluster uint32) ([]byte, error) {
	buf := make([]byte, fsys.clusterSize())
	if err := fsys.io.ReadSectors(fsys.clusterLBA(cluster), fsys.sectorsPerClust, buf); err != nil {
		return nil, kerrors.Wrap(err, "fat32: read cluster")
	}
	return buf, nil
}

func (fsys *FS) writeCluster(cluster uint32, data []byte) error {
	buf := data
	if uint32(len(buf)) < fsys.clusterSize() {
		buf = make([]byte, fsys.clusterSize())
		copy(buf, data)
	}
	if err := fsys.io.WriteSectors(fsys.clusterLBA(cluster), fsys.sectorsPerClust, buf); err != nil {
		return kerrors.Wrap(err, "fat32: write cluster")
	}
	return nil
}

// fatEntryLocation returns the FAT-relative sector and in-sector byte
// offset for cluster's 32-bit entry, per copy 0.
func (fsys *FS) fatEntryLocation(cluster uint32) (sector uint32, offset uint32) {
	byteOff := cluster * 4
	return byteOff / fsys.sectorSize, byteOff % fsys.sectorSize
}

// nextCluster reads a FAT entry, handling entries that straddle two
// sectors by reading both.
func (fsys *FS) nextCluster(cluster uint32) (uint32, error) {
	sec, off := fsys.fatEntryLocation(cluster)
	need := off + 4
	readSectors := uint32(1)
	if need > fsys.sectorSize {
		readSectors = 2
	}
	buf := make([]byte, readSectors*fsys.sectorSize)
	if err := fsys.io.ReadSectors(uint64(fsys.fatStartLBA+sec), readSectors, buf); err != nil {
		return 0, kerrors.Wrap(err, "fat32: read fat entry")
	}
	raw := le.Uint32(buf[off : off+4])
	return raw & clusterMask, nil
}

// setFATEntry writes value into cluster's 32-bit FAT entry across every
// FAT copy.
func (fsys *FS) setFATEntry(cluster uint32, value uint32) error {
	sec, off := fsys.fatEntryLocation(cluster)
	need := off + 4
	readSectors := uint32(1)
	if need > fsys.sectorSize {
		readSectors = 2
	}
	fatSize := fsys.bpb.fatSize()
	for fatN := uint32(0); fatN < uint32(fsys.bpb.NumFATs); fatN++ {
		base := fsys.fatStartLBA + fatN*fatSize
		buf := make([]byte, readSectors*fsys.sectorSize)
		if err := fsys.io.ReadSectors(uint64(base+sec), readSectors, buf); err != nil {
			return kerrors.Wrap(err, "fat32: read fat entry for update")
		}
		old := le.Uint32(buf[off : off+4])
		le.PutUint32(buf[off:off+4], (value&clusterMask)|(old&0xF0000000))
		if err := fsys.io.WriteSectors(uint64(base+sec), readSectors, buf); err != nil {
			return kerrors.Wrap(err, "fat32: write fat entry")
		}
	}
	return nil
}

// isEOC reports whether a FAT entry value terminates a chain
// (values >= 0x0FFFFFF8).
func isEOC(v uint32) bool { return v >= ClusterEOCMin }

// chainClusters returns every cluster number in the chain starting at
// start, stopping at EOC or a self-loop.
func (fsys *FS) chainClusters(start uint32) ([]uint32, error) {
	var out []uint32
	cluster := start
	for {
		out = append(out, cluster)
		next, err := fsys.nextCluster(cluster)
		if err != nil {
			return out, err
		}
		if isEOC(next) || next == cluster {
			return out, nil
		}
		cluster = next
	}
}

// allocCluster scans the FAT for a free (zero) entry, starting at the
// FSInfo free-cluster hint and falling back to a full scan from
// ClusterFirst on mismatch,
// marks it EOC, and returns its number.
func (fsys *FS) allocCluster() (uint32, error) {
	total := fsys.bpb.fatSize() * fsys.sectorSize / 4
	search := func(start uint32) (uint32, error) {
		for c := start; c < total; c++ {
			v, err := fsys.nextCluster(c)
			if err != nil {
				return 0, err
			}
			if v == 0 {
				if err := fsys.setFATEntry(c, 0x0FFFFFFF); err != nil {
					return 0, err
				}
				fsys.freeHint = c + 1
				return c, nil
			}
		}
		return 0, kerrors.ErrOutOfHeap
	}
	if fsys.freeHint >= ClusterFirst && fsys.freeHint < total {
		if c, err := search(fsys.freeHint); err == nil {
			return c, nil
		}
	}
	return search(ClusterFirst)
}

// allocClusterChain allocates n clusters linked in a chain and returns the
// first cluster number. On any mid-allocation failure it frees whatever it
// already allocated, so a failed write never leaks clusters.
func (fsys *FS) allocClusterChain(n int) (uint32, error) {
	if n <= 0 {
		return 0, kerrors.ErrInvalidArg
	}
	clusters := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		c, err := fsys.allocCluster()
		if err != nil {
			for _, prev := range clusters {
				fsys.setFATEntry(prev, 0)
			}
			return 0, err
		}
		clusters = append(clusters, c)
	}
	for i := 0; i < len(clusters)-1; i++ {
		if err := fsys.setFATEntry(clusters[i], clusters[i+1]); err != nil {
			return 0, err
		}
	}
	return clusters[0], nil
}

// freeChain marks every cluster in the chain starting at start as free.
func (fsys *FS) freeChain(start uint32) error {
	clusters, err := fsys.chainClusters(start)
	if err != nil && len(clusters) == 0 {
		return err
	}
	for _, c := range clusters {
		if err := fsys.setFATEntry(c, 0); err != nil {
			return err
		}
	}
	return nil
}

// appendClusterToChain extends the chain ending at lastCluster by one
// fresh cluster, returning its number.
func (fsys *FS) appendClusterToChain(lastCluster uint32) (uint32, error) {
	next, err := fsys.allocCluster()
	if err != nil {
		return 0, err
	}
	if err := fsys.setFATEntry(lastCluster, next); err != nil {
		fsys.setFATEntry(next, 0)
		return 0, err
	}
	return next, nil
}
