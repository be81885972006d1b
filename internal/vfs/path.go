// Path resolution: leading whitespace is tolerated; a path
// beginning with "$/" is DEVFS (split into "mnt"/<drive>/<rest> or
// "dev"/<rest>); everything else routes to the caller's current mount,
// taken verbatim after normalizing "." / ".." and duplicate "/".
package vfs

import "strings"

// Namespace names which half of the path-resolution fork a path landed in.
type Namespace int

const (
	NSMount Namespace = iota // "/..." routed to the current mount
	NSDevMnt                 // "$/mnt[/driveName[/rest]]"
	NSDevDev                 // "$/dev/rest"
)

// Resolved is the decomposed result of path resolution.
type Resolved struct {
	NS    Namespace
	Drive string // NSDevMnt only: e.g. "vDrive0" or "vDrive0-P1"
	Path  string // the path within the resolved namespace, normalized
}

// Resolve decomposes a raw path into its namespace and inner path.
func Resolve(raw string) Resolved {
	p := strings.TrimLeft(raw, " \t")
	if strings.HasPrefix(p, "$/") {
		rest := strings.TrimPrefix(p, "$/")
		parts := splitNonEmpty(rest)
		if len(parts) > 0 && parts[0] == "mnt" {
			if len(parts) == 1 {
				return Resolved{NS: NSDevMnt, Path: "/"}
			}
			return Resolved{NS: NSDevMnt, Drive: parts[1], Path: Normalize("/" + strings.Join(parts[2:], "/"))}
		}
		if len(parts) > 0 && parts[0] == "dev" {
			return Resolved{NS: NSDevDev, Path: Normalize("/" + strings.Join(parts[1:], "/"))}
		}
		return Resolved{NS: NSDevDev, Path: "/"}
	}
	return Resolved{NS: NSMount, Path: Normalize(p)}
}

func splitNonEmpty(p string) []string {
	raw := strings.Split(p, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize resolves "." and ".." components and collapses duplicate "/",
// always returning an absolute ("/"-rooted) path.
func Normalize(p string) string {
	parts := splitNonEmpty(p)
	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// Basename returns the final path component, or "/" for the root.
func Basename(p string) string {
	n := Normalize(p)
	if n == "/" {
		return "/"
	}
	i := strings.LastIndexByte(n, '/')
	return n[i+1:]
}

// Dirname returns the parent directory of p.
func Dirname(p string) string {
	n := Normalize(p)
	if n == "/" {
		return "/"
	}
	i := strings.LastIndexByte(n, '/')
	if i <= 0 {
		return "/"
	}
	return n[:i]
}
