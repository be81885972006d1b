package main

import (
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/bootcmdline"
	"github.com/moduos/moduos/internal/klog"
	"github.com/moduos/moduos/internal/multiboot"
)

// multibootInfoAddr is the physical address of the Multiboot2 information
// structure GRUB leaves in EBX at kernel entry. This hosted kernel runs
// atop the ordinary Go runtime: the assembly stub that
// transfers control from the bootloader into runtime.rt0_go is outside
// this repo's Go sources (the same external-linking boundary
// multibootHeader's placement crosses) and is responsible for stashing
// that address here before main ever runs.
var multibootInfoAddr uintptr

// sqrmModuleVDrive pairs each Multiboot2 module tag with the vdrive id it
// should be recorded as depending on once loaded; populated by the same
// pre-main boot stub from the kernel command line's module manifest.
// Left empty, every module tag is loaded with VDriveID 0.
var sqrmModuleVDrive map[string]uint32

func main() {
	_ = multibootHeader // keep the linker from discarding the Multiboot2 header

	info, err := multiboot.Parse(unsafe.Pointer(multibootInfoAddr))
	if err != nil {
		klog.Panicf("main: parse multiboot info: %v", err)
	}

	opts, err := bootcmdline.Parse(info.CmdLine)
	if err != nil {
		klog.Warnf("main: command line parse failed, using defaults: %v", err)
		opts = &bootcmdline.Options{LogLevel: "info"}
	}

	cfg := BootConfig{
		MemInfo:  info,
		RootHint: opts.Root,
		Modules:  modulesFromMultiboot(info),
		// Backends starts empty: ModuOS has no ATA/AHCI driver compiled
		// into the static kernel image. Block devices arrive dynamically
		// as SQRM DRIVE/USB-type modules are loaded from the Multiboot2
		// module list above, the same dynamic-driver
		// boundary internal/blockdev.Table's Register already models.
	}

	k, err := Boot(cfg)
	if err != nil {
		klog.Panicf("main: boot failed: %v", err)
	}
	_ = k

	klog.Infof("main: boot complete, idling")
	for {
		archx86.Hlt()
	}
}

// modulesFromMultiboot reads each Multiboot2 module's [Start, End) span
// (already inside the kernel's identity-mapped low memory) into
// a Go byte slice the SQRM loader can parse, naming each by its module
// command-line string.
func modulesFromMultiboot(info *multiboot.Info) []SQRMImage {
	images := make([]SQRMImage, 0, len(info.Modules))
	for _, m := range info.Modules {
		if m.End <= m.Start {
			continue
		}
		size := m.End - m.Start
		data := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(m.Start))), size)
		images = append(images, SQRMImage{
			Name:     m.Cmd,
			File:     data,
			VDriveID: sqrmModuleVDrive[m.Cmd],
		})
	}
	return images
}
