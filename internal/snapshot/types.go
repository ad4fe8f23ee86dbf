// Package snapshot manages container root filesystem snapshots backed by
// a union filesystem: overlayfs when available, a copy-based flat rootfs
// otherwise. It extracts OCI layer blobs into a content-addressed layer
// cache and composes parent chains of those layers into per-container
// mount specifications.
package snapshot

import "time"

// Kind is a snapshot's lifecycle stage.
type Kind int

const (
	KindActive Kind = iota
	KindView
	KindCommitted
)

func (k Kind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindView:
		return "view"
	case KindCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Info describes one snapshot: its lifecycle stage, parent link, and
// caller-supplied labels.
type Info struct {
	Key       string            `json:"key"`
	Parent    string            `json:"parent,omitempty"`
	Kind      Kind              `json:"kind"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Mount describes one mount the caller (the Shim) must perform, or embed
// into a runtime-spec Mounts entry, to realize a snapshot's merged view.
type Mount struct {
	Type    string   `json:"type"`
	Source  string   `json:"source"`
	Target  string   `json:"target,omitempty"`
	Options []string `json:"options,omitempty"`
}
