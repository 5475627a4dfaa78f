package bom

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
)

var errMissing = errors.New("missing")

type fakeTree map[string]Node

func (f fakeTree) Node(_ context.Context, id string) (Node, error) {
	n, ok := f[id]
	if !ok {
		return Node{}, fmt.Errorf("node %s: %w", id, errMissing)
	}
	return n, nil
}

func (f fakeTree) Children(_ context.Context, id string) ([]Node, error) {
	var out []Node
	for _, n := range f {
		if n.ParentID == id {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func tree(nodes ...Node) fakeTree {
	f := fakeTree{}
	for _, n := range nodes {
		f[n.ID] = n
	}
	return f
}

func chain(n int) fakeTree {
	f := fakeTree{"n0": {ID: "n0"}}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("n%d", i)
		f[id] = Node{ID: id, ParentID: fmt.Sprintf("n%d", i-1)}
	}
	return f
}

func TestAncestors(t *testing.T) {
	h := tree(
		Node{ID: "root"},
		Node{ID: "mid", ParentID: "root"},
		Node{ID: "leaf", ParentID: "mid"},
	)

	got, err := Ancestors(context.Background(), h, "leaf", 0)
	if err != nil {
		t.Fatalf("Ancestors returned error: %v", err)
	}
	if want := []string{"mid", "root"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}

	got, err = Ancestors(context.Background(), h, "root", 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("root ancestors = %v, %v; want none", got, err)
	}

	if _, err := Ancestors(context.Background(), h, "ghost", 0); !errors.Is(err, errMissing) {
		t.Fatalf("expected missing node error, got %v", err)
	}
}

func TestAncestors_Cycle(t *testing.T) {
	h := tree(
		Node{ID: "a", ParentID: "c"},
		Node{ID: "b", ParentID: "a"},
		Node{ID: "c", ParentID: "b"},
	)

	_, err := Ancestors(context.Background(), h, "a", 0)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if want := []string{"a", "c", "b", "a"}; !reflect.DeepEqual(cerr.Path, want) {
		t.Fatalf("cycle path = %v, want %v", cerr.Path, want)
	}
}

func TestAncestors_DepthLimit(t *testing.T) {
	h := chain(5)

	got, err := Ancestors(context.Background(), h, "n5", 5)
	if err != nil {
		t.Fatalf("depth 5 within limit 5: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d ancestors, want 5", len(got))
	}

	if _, err := Ancestors(context.Background(), h, "n5", 4); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestWalk_PreOrder(t *testing.T) {
	h := tree(
		Node{ID: "root"},
		Node{ID: "a", ParentID: "root"},
		Node{ID: "a1", ParentID: "a"},
		Node{ID: "b", ParentID: "root"},
	)

	var visited []string
	var depths []int
	err := Walk(context.Background(), h, "root", 0, func(n Node, depth int) error {
		visited = append(visited, n.ID)
		depths = append(depths, depth)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk returned error: %v", err)
	}
	if want := []string{"root", "a", "a1", "b"}; !reflect.DeepEqual(visited, want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	if want := []int{0, 1, 2, 1}; !reflect.DeepEqual(depths, want) {
		t.Fatalf("depths = %v, want %v", depths, want)
	}
}

func TestWalk_StopsOnCallbackError(t *testing.T) {
	h := tree(Node{ID: "root"}, Node{ID: "a", ParentID: "root"})
	stop := errors.New("stop")

	err := Walk(context.Background(), h, "root", 0, func(n Node, _ int) error {
		if n.ID == "a" {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestWalk_DepthLimit(t *testing.T) {
	err := Walk(context.Background(), chain(4), "n0", 3, func(Node, int) error { return nil })
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestCheckReparent(t *testing.T) {
	h := tree(
		Node{ID: "root"},
		Node{ID: "a", ParentID: "root"},
		Node{ID: "a1", ParentID: "a"},
		Node{ID: "b", ParentID: "root"},
	)

	tests := []struct {
		name      string
		id        string
		newParent string
		wantErr   error
	}{
		{"move sideways", "a1", "b", nil},
		{"make root", "a", "", nil},
		{"new node", "fresh", "a1", nil},
		{"under itself", "a", "a", ErrCycle},
		{"under own descendant", "a", "a1", ErrCycle},
		{"root under leaf", "root", "a1", ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckReparent(context.Background(), h, tt.id, tt.newParent, 0)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCheckReparent_DepthLimit(t *testing.T) {
	h := chain(3)
	if err := CheckReparent(context.Background(), h, "x", "n3", 3); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
	if err := CheckReparent(context.Background(), h, "x", "n3", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
