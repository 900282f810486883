package dom

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// node nodeType values from the DOM spec
const (
	nodeTypeElement  = 1
	nodeTypeText     = 3
	nodeTypeDocument = 9
)

// rawNode mirrors the protocol's DOM.Node for a piercing getDocument walk
type rawNode struct {
	NodeID          int       `json:"nodeId"`
	BackendNodeID   int       `json:"backendNodeId"`
	NodeType        int       `json:"nodeType"`
	LocalName       string    `json:"localName"`
	NodeValue       string    `json:"nodeValue"`
	Attributes      []string  `json:"attributes"`
	Children        []rawNode `json:"children"`
	ShadowRoots     []rawNode `json:"shadowRoots"`
	ContentDocument *rawNode  `json:"contentDocument"`
}

func (n *rawNode) attrMap() map[string]string {
	if len(n.Attributes) == 0 {
		return nil
	}
	m := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		m[strings.ToLower(n.Attributes[i])] = n.Attributes[i+1]
	}
	return m
}

// Node is one indexed interactive element
type Node struct {
	Index         int
	BackendNodeID int
	Tag           string
	Attrs         map[string]string
	Text          string
	Depth         int  // nesting among indexed nodes, for render indentation
	New           bool // not present in the previous snapshot
}

// IndexMap is one complete snapshot of the page's interactive elements,
// indexed in depth-first document order. Maps are immutable once built;
// a rebuild publishes a new map and never mutates the old one.
type IndexMap struct {
	TargetID   string
	Generation int64
	URL        string
	Nodes      []Node

	byIndex map[int]int // index -> position in Nodes
}

// Lookup returns the node carrying the given index
func (m *IndexMap) Lookup(index int) (Node, bool) {
	pos, ok := m.byIndex[index]
	if !ok {
		return Node{}, false
	}
	return m.Nodes[pos], true
}

// Handle builds an element handle for an indexed node
func (m *IndexMap) Handle(index int) (Handle, error) {
	n, ok := m.Lookup(index)
	if !ok {
		return Handle{}, &NotFoundError{Selector: fmt.Sprintf("[%d]", index), URL: m.URL}
	}
	return Handle{TargetID: m.TargetID, Generation: m.Generation, BackendNodeID: n.BackendNodeID}, nil
}

var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"option":   true,
	"label":    true,
	"summary":  true,
}

var interactiveRoles = map[string]bool{
	"button":    true,
	"link":      true,
	"checkbox":  true,
	"radio":     true,
	"menuitem":  true,
	"tab":       true,
	"combobox":  true,
	"textbox":   true,
	"searchbox": true,
	"switch":    true,
	"option":    true,
	"slider":    true,
	"listbox":   true,
}

var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"meta":     true,
	"link":     true,
}

// isInteractive applies tag, role, and attribute heuristics
func isInteractive(tag string, attrs map[string]string) bool {
	if interactiveTags[tag] {
		return true
	}
	if interactiveRoles[attrs["role"]] {
		return true
	}
	if _, ok := attrs["onclick"]; ok {
		return true
	}
	if v, ok := attrs["contenteditable"]; ok && v != "false" {
		return true
	}
	if ti, ok := attrs["tabindex"]; ok {
		if n, err := strconv.Atoi(ti); err == nil && n >= 0 {
			return true
		}
	}
	return false
}

const maxNodeText = 80

// collapseText trims, collapses runs of whitespace, and truncates
func collapseText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxNodeText {
		s = string(r[:maxNodeText]) + "…"
	}
	return s
}

// labelText gathers the element's visible text, descending through plain
// wrappers like <span> but stopping at interactive descendants: those get
// their own index and keep their own text
func labelText(n *rawNode) string {
	var parts []string
	var gather func(c *rawNode)
	gather = func(c *rawNode) {
		switch c.NodeType {
		case nodeTypeText:
			if strings.TrimSpace(c.NodeValue) != "" {
				parts = append(parts, c.NodeValue)
			}
		case nodeTypeElement:
			if skippedTags[c.LocalName] || isInteractive(c.LocalName, c.attrMap()) {
				return
			}
			for i := range c.Children {
				gather(&c.Children[i])
			}
		}
	}
	for i := range n.Children {
		gather(&n.Children[i])
	}
	return collapseText(strings.Join(parts, " "))
}

// buildIndex walks a document tree and numbers the interactive elements in
// depth-first document order. prevIDs marks elements that existed in the
// previous snapshot; everything else gets the New flag. A nil prevIDs means
// no baseline, so nothing is flagged.
func buildIndex(root *rawNode, prevIDs map[int]struct{}) []Node {
	var nodes []Node
	next := 1

	var walk func(n *rawNode, depth int)
	walk = func(n *rawNode, depth int) {
		childDepth := depth

		switch n.NodeType {
		case nodeTypeElement:
			if skippedTags[n.LocalName] {
				return
			}
			attrs := n.attrMap()
			if isInteractive(n.LocalName, attrs) {
				node := Node{
					Index:         next,
					BackendNodeID: n.BackendNodeID,
					Tag:           n.LocalName,
					Attrs:         attrs,
					Text:          labelText(n),
					Depth:         depth,
				}
				if prevIDs != nil {
					if _, existed := prevIDs[n.BackendNodeID]; !existed {
						node.New = true
					}
				}
				nodes = append(nodes, node)
				next++
				childDepth = depth + 1
			}
		case nodeTypeDocument:
			// walk into children below
		case nodeTypeText:
			return
		}

		for i := range n.Children {
			walk(&n.Children[i], childDepth)
		}
		for i := range n.ShadowRoots {
			walk(&n.ShadowRoots[i], childDepth)
		}
		if n.ContentDocument != nil {
			walk(n.ContentDocument, childDepth)
		}
	}
	walk(root, 0)

	return nodes
}

// Snapshotter rebuilds the index map for one page and remembers the
// previous snapshot's backend ids for new-element diffing
type Snapshotter struct {
	page Page

	mu      sync.Mutex
	current *IndexMap
	prevIDs map[int]struct{}
	prevGen int64
}

func NewSnapshotter(p Page) *Snapshotter {
	return &Snapshotter{page: p}
}

// Snapshot rebuilds the index map from the live DOM and publishes it as
// the current map. The old map is abandoned, never patched.
func (s *Snapshotter) Snapshot(ctx context.Context) (*IndexMap, error) {
	gen := s.page.Generation()

	var res struct {
		Root rawNode `json:"root"`
	}
	err := s.page.Call(ctx, "DOM.getDocument", map[string]any{"depth": -1, "pierce": true}, &res)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A navigation between snapshots resets the diff baseline: indices and
	// identity never carry across documents
	prev := s.prevIDs
	if s.prevGen != gen {
		prev = nil
	}

	nodes := buildIndex(&res.Root, prev)

	m := &IndexMap{
		TargetID:   s.page.TargetID(),
		Generation: gen,
		URL:        s.page.URL(),
		Nodes:      nodes,
		byIndex:    make(map[int]int, len(nodes)),
	}
	ids := make(map[int]struct{}, len(nodes))
	for i, n := range nodes {
		m.byIndex[n.Index] = i
		ids[n.BackendNodeID] = struct{}{}
	}

	s.current = m
	s.prevIDs = ids
	s.prevGen = gen

	L_debug("dom: snapshot", "target", m.TargetID, "generation", gen, "elements", len(nodes))
	return m, nil
}

// Current returns the last published map, or nil before the first snapshot
func (s *Snapshotter) Current() *IndexMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Resolve maps an index from the current map to a handle. A map built
// under an older generation makes every index stale.
func (s *Snapshotter) Resolve(index int) (Handle, error) {
	m := s.Current()
	if m == nil {
		return Handle{}, fmt.Errorf("no snapshot taken yet")
	}
	if cur := s.page.Generation(); m.Generation != cur {
		return Handle{}, &StaleError{
			Handle:  Handle{TargetID: m.TargetID, Generation: m.Generation},
			Current: cur,
		}
	}
	return m.Handle(index)
}
