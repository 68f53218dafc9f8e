package twincat

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NodeFile holds the XML of a node inside a snapshot directory.
const NodeFile = "_node.xml"

// MemTree is an in-memory engineering tree. It backs tests and the offline
// snapshot mode, where each directory below the snapshot root is a node.
type MemTree struct {
	mu          sync.Mutex
	root        *MemNode
	Activations int
	Restarts    int
}

// MemNode is a node of a MemTree.
type MemNode struct {
	tree     *MemTree
	name     string
	subtype  int
	xml      string
	children []*MemNode
}

func NewMemTree() *MemTree {
	t := &MemTree{}
	t.root = &MemNode{tree: t}
	return t
}

// Add creates or replaces the node at path, creating missing parents.
func (t *MemTree) Add(path, xml string) *MemNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, seg := range strings.Split(path, PathSeparator) {
		next := n.child(seg)
		if next == nil {
			next = &MemNode{tree: t, name: seg}
			n.children = append(n.children, next)
		}
		n = next
	}
	n.xml = xml
	return n
}

func (t *MemTree) Lookup(path string) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for _, seg := range strings.Split(path, PathSeparator) {
		if n = n.child(seg); n == nil {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, path)
		}
	}
	return n, nil
}

func (t *MemTree) ActivateConfiguration() error {
	t.mu.Lock()
	t.Activations++
	t.mu.Unlock()
	return nil
}

func (t *MemTree) StartRestart() error {
	t.mu.Lock()
	t.Restarts++
	t.mu.Unlock()
	return nil
}

func (n *MemNode) child(name string) *MemNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *MemNode) Name() string { return n.name }

func (n *MemNode) Subtype() int { return n.subtype }

func (n *MemNode) Children() ([]Node, error) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	out := make([]Node, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out, nil
}

func (n *MemNode) ProduceXML(bool) (string, error) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	if n.xml == "" {
		return "", fmt.Errorf("node %s has no xml", n.name)
	}
	return n.xml, nil
}

func (n *MemNode) ConsumeXML(xml string) error {
	if strings.TrimSpace(xml) == "" {
		return fmt.Errorf("empty xml for node %s", n.name)
	}
	n.tree.mu.Lock()
	n.xml = xml
	n.tree.mu.Unlock()
	return nil
}

func (n *MemNode) CreateChild(name string, subtype int) (Node, error) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	if n.child(name) != nil {
		return nil, fmt.Errorf("child %s already exists", name)
	}
	c := &MemNode{
		tree:    n.tree,
		name:    name,
		subtype: subtype,
		xml:     fmt.Sprintf("<TreeItem><ItemName>%s</ItemName><ItemSubType>%d</ItemSubType></TreeItem>", name, subtype),
	}
	n.children = append(n.children, c)
	return c, nil
}

// LoadDir reads a snapshot directory into a new tree.
func LoadDir(dir string) (*MemTree, error) {
	t := NewMemTree()
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != NodeFile {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(p))
		if err != nil || rel == "." {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		t.Add(strings.ReplaceAll(filepath.ToSlash(rel), "/", PathSeparator), string(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", dir, err)
	}
	t.sortChildren(t.root)
	return t, nil
}

func (t *MemTree) sortChildren(n *MemNode) {
	sort.SliceStable(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
	for _, c := range n.children {
		t.sortChildren(c)
	}
}

// SaveDir writes every node carrying XML below dir.
func (t *MemTree) SaveDir(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var save func(n *MemNode, rel string) error
	save = func(n *MemNode, rel string) error {
		if n.xml != "" {
			p := filepath.Join(dir, rel)
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(p, NodeFile), []byte(n.xml), 0o644); err != nil {
				return err
			}
		}
		for _, c := range n.children {
			if err := save(c, filepath.Join(rel, c.name)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range t.root.children {
		if err := save(c, c.name); err != nil {
			return err
		}
	}
	return nil
}
