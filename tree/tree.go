// Package tree implements rooted phylogenetic trees with branch
// lengths: Newick parsing, tip traversal, depths and coalescent
// simulation.
package tree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tree is a rooted tree. The embedded node is the root.
type Tree struct {
	*Node
	nNodes int
	nodes  []*Node
}

// ClearCache forgets node numbering, it should be called after
// changing the topology.
func (tree *Tree) ClearCache() {
	tree.nNodes = 0
	tree.nodes = nil
}

// NNodes returns the number of nodes including the root.
func (tree *Tree) NNodes() int {
	if tree.nNodes == 0 {
		tree.nNodes = tree.NSubNodes()
	}
	return tree.nNodes
}

// Nodes returns nodes in preorder, node.ID is the index in this
// slice.
func (tree *Tree) Nodes() []*Node {
	if tree.nodes == nil {
		tree.nodes = make([]*Node, 0, tree.NNodes())
		for node := range tree.Walker(nil) {
			node.ID = len(tree.nodes)
			tree.nodes = append(tree.nodes, node)
		}
	}
	return tree.nodes
}

// Walker returns a channel with all nodes in preorder passing filter.
// A nil filter passes every node.
func (tree *Tree) Walker(filter func(*Node) bool) <-chan *Node {
	ch := make(chan *Node, tree.NNodes())
	tree.Walk(ch, filter)
	close(ch)
	return ch
}

// Tips returns terminal nodes in preorder.
func (tree *Tree) Tips() (tips []*Node) {
	for node := range tree.Walker(func(n *Node) bool {
		return n.IsTerminal()
	}) {
		tips = append(tips, node)
	}
	return
}

// TipNames returns names of the terminal nodes in preorder.
func (tree *Tree) TipNames() []string {
	tips := tree.Tips()
	names := make([]string, len(tips))
	for i, tip := range tips {
		names[i] = tip.Name
	}
	return names
}

// NTips returns the number of terminal nodes.
func (tree *Tree) NTips() int {
	return len(tree.Tips())
}

// Depth returns the path length from the root to the node. The root
// branch length is ignored.
func (tree *Tree) Depth(node *Node) (d float64) {
	for ; node != nil && !node.IsRoot(); node = node.Parent {
		d += node.BranchLength
	}
	return
}

// Height returns the maximum root to tip path length.
func (tree *Tree) Height() (h float64) {
	for _, tip := range tree.Tips() {
		h = math.Max(h, tree.Depth(tip))
	}
	return
}

// IsUltrametric checks that all tips are at the same depth within
// relative tolerance tol.
func (tree *Tree) IsUltrametric(tol float64) bool {
	h := tree.Height()
	for _, tip := range tree.Tips() {
		if math.Abs(tree.Depth(tip)-h) > tol*math.Max(h, 1) {
			return false
		}
	}
	return true
}

// Node is a tree node. Terminal nodes carry species names.
type Node struct {
	Name         string
	BranchLength float64
	Parent       *Node
	childNodes   []*Node
	ID           int
}

// NewNode creates a node without children.
func NewNode(parent *Node, nodeID int) *Node {
	return &Node{Parent: parent, ID: nodeID}
}

// AddChild appends a child node.
func (node *Node) AddChild(subNode *Node) {
	subNode.Parent = node
	node.childNodes = append(node.childNodes, subNode)
}

// ChildNodes returns children of the node.
func (node *Node) ChildNodes() []*Node {
	return node.childNodes
}

// String returns the subtree in Newick format.
func (node *Node) String() string {
	var sb strings.Builder
	node.newick(&sb)
	if node.IsRoot() {
		sb.WriteByte(';')
	}
	return sb.String()
}

func (node *Node) newick(sb *strings.Builder) {
	if !node.IsTerminal() {
		sb.WriteByte('(')
		for i, child := range node.childNodes {
			if i != 0 {
				sb.WriteByte(',')
			}
			child.newick(sb)
		}
		sb.WriteByte(')')
	}
	sb.WriteString(node.Name)
	fmt.Fprintf(sb, ":%0.6f", node.BranchLength)
}

// LongString returns a node description for debugging.
func (node *Node) LongString() (s string) {
	s = "<"
	if node.Parent == nil {
		s += "root, "
	}
	if node.Name != "" {
		s += "name=" + node.Name + ", "
	}
	s += fmt.Sprintf("ID=%v, BranchLength=%v>", node.ID, node.BranchLength)
	return
}

// FullString returns an indented description of the subtree.
func (node *Node) FullString() string {
	return strings.TrimSpace(node.prefixString(""))
}

func (node *Node) prefixString(prefix string) (s string) {
	s = prefix + node.LongString() + "\n"
	for _, node := range node.childNodes {
		s += node.prefixString(prefix + "    ")
	}
	return
}

// Walk sends the node and all of its descendants passing filter to
// ch in preorder.
func (node *Node) Walk(ch chan *Node, filter func(*Node) bool) {
	if filter == nil || filter(node) {
		ch <- node
	}
	for _, node := range node.childNodes {
		node.Walk(ch, filter)
	}
}

// NSubNodes returns the size of the subtree including the node.
func (node *Node) NSubNodes() (size int) {
	for _, node := range node.childNodes {
		size += node.NSubNodes()
	}
	return size + 1
}

// IsRoot is true for a node without parent.
func (node *Node) IsRoot() bool {
	return node.Parent == nil
}

// IsTerminal is true for a node without children.
func (node *Node) IsTerminal() bool {
	return len(node.childNodes) == 0
}

// isSpecial returns true for Newick punctuation.
func isSpecial(c rune) bool {
	switch c {
	case '(', ')', ':', ';', ',':
		return true
	}
	return false
}

// NewickSplit is a bufio.SplitFunc producing Newick tokens.
func NewickSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	// Skip leading spaces; and return 1-char tokens.
	for width := 0; start < len(data); start += width {
		var r rune
		r, width = utf8.DecodeRune(data[start:])
		if isSpecial(r) {
			return start + width, data[start : start+width], nil
		}
		if !unicode.IsSpace(r) {
			break
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Scan until space or special character.
	for width, i := 0, start; i < len(data); i += width {
		var r rune
		r, width = utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) || isSpecial(r) {
			return i, data[start:i], nil
		}
	}
	// If we're at EOF, we have a final, non-empty, non-terminated word. Return it.
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Request more data.
	return 0, nil, nil
}

// ParseNewick reads a single tree in Newick format. Internal node
// labels are kept as node names. Branch lengths are not validated.
func ParseNewick(rd io.Reader) (*Tree, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Split(NewickSplit)

	nodeID := 0
	node := NewNode(nil, nodeID)
	tree := &Tree{Node: node}
	nodeID++

	length := false

	for scanner.Scan() {
		text := scanner.Text()
		switch text {
		case "(":
			subNode := NewNode(nil, nodeID)
			nodeID++
			node.AddChild(subNode)
			node = subNode
		case ",":
			if node.Parent == nil {
				return nil, errors.New("top level comma mismatch")
			}
			subNode := NewNode(nil, nodeID)
			nodeID++
			node.Parent.AddChild(subNode)
			node = subNode
		case ")":
			if node.Parent == nil {
				return nil, errors.New("brackets mismatch")
			}
			node = node.Parent
		case ":":
			length = true
		case ";":
			if node.Parent != nil {
				return nil, errors.New("brackets mismatch")
			}
			tree.ClearCache()
			return tree, scanner.Err()
		default:
			if length {
				l, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, fmt.Errorf("branch length %q: %w", text, err)
				}
				node.BranchLength = l
				length = false
			} else {
				node.Name = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("unexpected end of tree, missing ';'")
}

// Coalescent simulates a Kingman coalescent tree with the given tip
// names. Coalescence rate is k(k-1)/2 for k lineages, the resulting
// tree is ultrametric.
func Coalescent(names []string, rng *rand.Rand) (*Tree, error) {
	if len(names) < 2 {
		return nil, errors.New("coalescent tree needs at least two tips")
	}
	type lineage struct {
		node   *Node
		height float64
	}
	lineages := make([]lineage, len(names))
	for i, name := range names {
		lineages[i] = lineage{node: &Node{Name: name}}
	}
	height := 0.0
	for k := len(lineages); k > 1; k = len(lineages) {
		height += rng.ExpFloat64() / (float64(k*(k-1)) / 2)
		i := rng.Intn(k)
		j := rng.Intn(k - 1)
		if j >= i {
			j++
		}
		parent := &Node{}
		for _, l := range []lineage{lineages[i], lineages[j]} {
			l.node.BranchLength = height - l.height
			parent.AddChild(l.node)
		}
		if i < j {
			i, j = j, i
		}
		lineages = append(lineages[:i], lineages[i+1:]...)
		lineages[j] = lineage{node: parent, height: height}
	}
	tree := &Tree{Node: lineages[0].node}
	tree.Nodes()
	return tree, nil
}
