// Package bom walks the bill-of-materials tree: ancestor chains for staleness
// propagation and pre-order subtree walks for rollups. Every walk is bounded by
// a maximum depth and refuses to loop on a corrupted parent chain.
package bom

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxDepth bounds ancestor and subtree walks when no limit is configured.
const DefaultMaxDepth = 64

var (
	// ErrCycle matches any *CycleError.
	ErrCycle = errors.New("bom cycle detected")
	// ErrDepthExceeded is returned when a walk goes deeper than its limit.
	ErrDepthExceeded = errors.New("bom depth limit exceeded")
)

// Node is one item of the tree. An empty ParentID marks a root.
type Node struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
}

// IsRoot reports whether n has no parent.
func (n Node) IsRoot() bool { return n.ParentID == "" }

// Hierarchy is the read side of the tree. Node returns an error wrapping the
// store's not-found sentinel for unknown ids.
type Hierarchy interface {
	Node(ctx context.Context, id string) (Node, error)
	Children(ctx context.Context, id string) ([]Node, error)
}

// CycleError reports the chain of ids that loops back on itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "bom cycle detected: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

func limit(maxDepth int) int {
	if maxDepth <= 0 {
		return DefaultMaxDepth
	}
	return maxDepth
}

// Ancestors returns the ids above id, nearest parent first. The node itself
// must exist.
func Ancestors(ctx context.Context, h Hierarchy, id string, maxDepth int) ([]string, error) {
	maxDepth = limit(maxDepth)

	n, err := h.Node(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{id: true}
	path := []string{id}
	var out []string
	for parent := n.ParentID; parent != ""; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[parent] {
			return nil, &CycleError{Path: append(path, parent)}
		}
		if len(out) == maxDepth {
			return nil, fmt.Errorf("ancestors of %s: %w (%d)", id, ErrDepthExceeded, maxDepth)
		}
		seen[parent] = true
		path = append(path, parent)
		out = append(out, parent)

		p, err := h.Node(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("load ancestor %s of %s: %w", parent, id, err)
		}
		parent = p.ParentID
	}
	return out, nil
}

// Walk visits rootID and its descendants in pre-order. depth is 0 for the root.
func Walk(ctx context.Context, h Hierarchy, rootID string, maxDepth int, fn func(n Node, depth int) error) error {
	maxDepth = limit(maxDepth)

	root, err := h.Node(ctx, rootID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	return walk(ctx, h, root, 0, maxDepth, seen, []string{root.ID}, fn)
}

func walk(ctx context.Context, h Hierarchy, n Node, depth, maxDepth int, seen map[string]bool, path []string, fn func(Node, int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > maxDepth {
		return fmt.Errorf("subtree below %s: %w (%d)", path[0], ErrDepthExceeded, maxDepth)
	}
	seen[n.ID] = true
	if err := fn(n, depth); err != nil {
		return err
	}

	children, err := h.Children(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", n.ID, err)
	}
	for _, c := range children {
		if seen[c.ID] {
			return &CycleError{Path: append(append([]string(nil), path...), c.ID)}
		}
		if err := walk(ctx, h, c, depth+1, maxDepth, seen, append(path, c.ID), fn); err != nil {
			return err
		}
	}
	return nil
}

// CheckReparent verifies that moving id under newParentID keeps the tree
// acyclic and within maxDepth. An empty newParentID (make root) always passes.
func CheckReparent(ctx context.Context, h Hierarchy, id, newParentID string, maxDepth int) error {
	if newParentID == "" {
		return nil
	}
	if newParentID == id {
		return &CycleError{Path: []string{id, id}}
	}

	chain, err := Ancestors(ctx, h, newParentID, maxDepth)
	if err != nil {
		return err
	}
	for i, a := range chain {
		if a == id {
			path := append([]string{id, newParentID}, chain[:i+1]...)
			return &CycleError{Path: path}
		}
	}
	if len(chain)+1 > limit(maxDepth) {
		return fmt.Errorf("move %s under %s: %w (%d)", id, newParentID, ErrDepthExceeded, limit(maxDepth))
	}
	return nil
}
