// 8.3 short-name generation with ~N disambiguation.
package fat32

import "strings"

func isValidShortChar(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '$', '%', '\'', '-', '_', '@', '~', '`', '!', '(', ')', '{', '}', '^', '#', '&':
		return true
	}
	return false
}

// splitBaseExt splits name into (base, ext) the way FAT "." separates
// them: the last "." is the extension boundary, absent for dotfiles
// stored as base-only.
func splitBaseExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func sanitizeShortComponent(s string, maxLen int) string {
	s = strings.ToUpper(s)
	var b strings.Builder
	for i := 0; i < len(s) && b.Len() < maxLen; i++ {
		c := s[i]
		if c == ' ' {
			continue
		}
		if isValidShortChar(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// buildShortName11 packs base/ext into the fixed 11-byte 8.3 field
// (space-padded).
func buildShortName11(base, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// generateShortName produces an 8.3 alias for name that does not collide
// with any of existing (already-uppercased 11-byte names), generating
// "~N" disambiguation candidates until one is free.
func generateShortName(name string, existing map[[11]byte]bool) [11]byte {
	baseRaw, extRaw := splitBaseExt(name)
	base := sanitizeShortComponent(baseRaw, 8)
	ext := sanitizeShortComponent(extRaw, 3)
	if base == "" {
		base = "_"
	}

	plain := buildShortName11(base, ext)
	needsAlias := len(base) > 8 || len(baseRaw) > 8 || base != sanitizeShortComponent(baseRaw, 8) || existing[plain]
	if !needsAlias {
		return plain
	}

	for n := 1; n < 1_000_000; n++ {
		suffix := "~" + itoaShort(n)
		truncLen := 8 - len(suffix)
		if truncLen < 1 {
			break
		}
		b := base
		if len(b) > truncLen {
			b = b[:truncLen]
		}
		candidate := buildShortName11(b+suffix, ext)
		if !existing[candidate] {
			return candidate
		}
	}
	return plain
}

func itoaShort(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// decodeShortName83 reconstructs an "8.3" display name with a "."
// separator iff the extension bytes are nonspace.
func decodeShortName83(name11 [11]byte) string {
	base := strings.TrimRight(string(name11[0:8]), " ")
	ext := strings.TrimRight(string(name11[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}
