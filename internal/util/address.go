package util

import "strings"

// Addresses are slash-delimited paths. "/" is the tree root and every agent
// owns the subtree rooted at "/<agent id>".

const (
	Separator   = "/"
	RootAddress = "/"
)

// AgentRoot returns the root address of an agent's namespace
func AgentRoot(agentID string) string {
	return RootAddress + agentID
}

// Parent returns the parent address, or "" for the root
func Parent(address string) string {
	if address == RootAddress || address == "" {
		return ""
	}
	idx := strings.LastIndex(address, Separator)
	switch {
	case idx < 0:
		return ""
	case idx == 0:
		return RootAddress
	default:
		return address[:idx]
	}
}

// Join appends a child segment to an address
func Join(parent, name string) string {
	if parent == RootAddress {
		return RootAddress + name
	}
	return parent + Separator + name
}

// IsAncestor reports whether ancestor is a strict ancestor of address
func IsAncestor(ancestor, address string) bool {
	if ancestor == address {
		return false
	}
	if ancestor == RootAddress {
		return strings.HasPrefix(address, RootAddress)
	}
	return strings.HasPrefix(address, ancestor+Separator)
}

// InSubtree reports whether address is root or one of its descendants
func InSubtree(address, root string) bool {
	return address == root || IsAncestor(root, address)
}

// Overlaps reports whether two subtrees share at least one address
func Overlaps(a, b string) bool {
	return InSubtree(a, b) || InSubtree(b, a)
}

// IsDirectChild reports whether child sits exactly one level below parent
func IsDirectChild(child, parent string) bool {
	return child != parent && Parent(child) == parent
}

// Depth counts the segments of an address; the root has depth 0
func Depth(address string) int {
	trimmed := strings.Trim(address, Separator)
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, Separator) + 1
}

// Ancestors lists every strict ancestor of address, nearest first
func Ancestors(address string) []string {
	var out []string
	for p := Parent(address); p != ""; p = Parent(p) {
		out = append(out, p)
	}
	return out
}
