// Package docpath models workspace-scoped document paths and the broker
// channel names derived from them. It is shared between the server and the
// client SDK so both sides agree on path validity and channel naming.
package docpath

import (
	"errors"
	"strings"
)

// ChannelDelimiter replaces '/' when a path is turned into a broker channel
// name. Redis treats '/' fine, but the transform keeps channel names free of
// the path separator so pattern subscriptions stay unambiguous. Publishers
// and subscribers must use the same constant.
const ChannelDelimiter = "~"

var (
	// ErrEmptyPath is returned for paths with no segments.
	ErrEmptyPath = errors.New("docpath: empty path")
	// ErrBadSegment is returned when a path contains an empty or malformed segment.
	ErrBadSegment = errors.New("docpath: empty path segment")
)

// Path is a validated /-separated sequence alternating collection segment and
// document id. An odd number of segments names a collection, an even number
// names a document.
type Path struct {
	segments []string
}

// Parse validates and splits a raw path string. Leading and trailing slashes
// are tolerated; empty segments are not.
func Parse(raw string) (Path, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return Path{}, ErrEmptyPath
	}
	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" {
			return Path{}, ErrBadSegment
		}
		// The channel delimiter inside a segment would make channel names
		// ambiguous.
		if strings.ContainsAny(s, " \t\n"+ChannelDelimiter) {
			return Path{}, ErrBadSegment
		}
	}
	return Path{segments: segs}, nil
}

// Join appends segments to a path, validating each.
func (p Path) Join(segs ...string) (Path, error) {
	for _, s := range segs {
		if s == "" || strings.Contains(s, "/") || strings.ContainsAny(s, " \t\n"+ChannelDelimiter) {
			return Path{}, ErrBadSegment
		}
	}
	out := make([]string, 0, len(p.segments)+len(segs))
	out = append(out, p.segments...)
	out = append(out, segs...)
	return Path{segments: out}, nil
}

// String returns the canonical slash-joined form.
func (p Path) String() string {
	return strings.Join(p.segments, "/")
}

// Segments returns a copy of the path's segments.
func (p Path) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segments) }

// IsCollection reports whether the path names a collection (odd segments).
func (p Path) IsCollection() bool {
	return len(p.segments)%2 == 1
}

// IsDocument reports whether the path names a document (even segments).
func (p Path) IsDocument() bool {
	return len(p.segments) > 0 && len(p.segments)%2 == 0
}

// CollectionName returns the last collection segment on the path.
// For a document path that is the second-to-last segment.
func (p Path) CollectionName() string {
	if len(p.segments) == 0 {
		return ""
	}
	if p.IsCollection() {
		return p.segments[len(p.segments)-1]
	}
	return p.segments[len(p.segments)-2]
}

// DocID returns the document id for a document path, or "" for collections.
func (p Path) DocID() string {
	if !p.IsDocument() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns the path with the final segment removed. The second return
// is false when the path has no parent.
func (p Path) Parent() (Path, bool) {
	if len(p.segments) <= 1 {
		return Path{}, false
	}
	return Path{segments: p.segments[:len(p.segments)-1]}, true
}

// ParentDocument returns the enclosing document path for a nested collection
// or document, or false when the path is at workspace root level.
func (p Path) ParentDocument() (Path, bool) {
	// users/u1/posts -> users/u1 ; users/u1/posts/p1 -> users/u1
	n := len(p.segments)
	if p.IsCollection() {
		if n < 3 {
			return Path{}, false
		}
		return Path{segments: p.segments[:n-1]}, true
	}
	if n < 4 {
		return Path{}, false
	}
	return Path{segments: p.segments[:n-2]}, true
}

// channelName applies the channel transform to a path string.
func channelName(path string) string {
	return strings.ReplaceAll(path, "/", ChannelDelimiter)
}

// CollectionChannel derives the broker channel for a collection path.
func CollectionChannel(collectionPath string) string {
	return "collection:" + channelName(collectionPath)
}

// DocumentChannel derives the broker channel for a full document path.
func DocumentChannel(docPath string) string {
	return "path:" + channelName(docPath)
}
