package assembly

import "strings"

// Path returns the slash-delimited path of sibling names from the root.
// The root (and any detached node) is "/"; a child is "/a/b/".
func Path[N Node[N]](node N) string {
	var names []string
	for n := node; ; {
		a := n.Assembly()
		p, ok := a.Parent()
		if !ok {
			break
		}
		names = append(names, a.Name())
		n = p
	}
	if len(names) == 0 {
		return "/"
	}

	var b strings.Builder
	b.WriteByte('/')
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteString(names[i])
		b.WriteByte('/')
	}
	return b.String()
}

// IsPath reports whether ref is written as a path rather than an identifier.
func IsPath(ref string) bool { return strings.HasPrefix(ref, "/") }

// Lookup resolves a path relative to root. Empty segments are ignored, so
// "/a/b", "/a/b/" and "a//b" name the same node.
func Lookup[N Node[N]](root N, path string) (N, bool) {
	n := root
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		c, ok := n.Assembly().Child(seg)
		if !ok {
			var zero N
			return zero, false
		}
		n = c
	}
	return n, true
}

// Walk visits node and its descendants depth-first, parents before children,
// siblings in insertion order.
func Walk[N Node[N]](node N, fn func(N)) {
	fn(node)
	for _, c := range node.Assembly().Children() {
		Walk(c, fn)
	}
}
