package main

// multibootHeader's bytes are defined in multiboot_header_amd64.s; the Go
// side only needs to exist so the linker keeps the symbol and so main can
// hold a reference that prevents dead-code elimination from dropping it.
var multibootHeader [24]byte
