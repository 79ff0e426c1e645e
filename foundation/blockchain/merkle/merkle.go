// Package merkle provides a merkle tree over the transactions of a block.
// The root commits every peer to the same transaction set and evaluator
// results.
package merkle

import (
	"bytes"
	"errors"
	"hash"

	"github.com/ethereum/go-ethereum/crypto"
)

// Hashable represents the behavior concrete data must exhibit to be used
// in the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// =============================================================================

// Tree represents a merkle tree over values of some type T that exhibits
// the behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	root         *node[T]
	leafs        []*node[T]
	merkleRoot   []byte
	hashStrategy func() hash.Hash
}

// node represents one tree node, leaf or interior.
type node[T Hashable[T]] struct {
	left  *node[T]
	right *node[T]
	hash  []byte
	value T
	leaf  bool
	dup   bool
}

// WithHashStrategy changes the default keccak256 hash used when
// constructing the tree.
func WithHashStrategy[T Hashable[T]](hashStrategy func() hash.Hash) func(t *Tree[T]) {
	return func(t *Tree[T]) {
		t.hashStrategy = hashStrategy
	}
}

// NewTree constructs a merkle tree over the specified values.
func NewTree[T Hashable[T]](values []T, options ...func(t *Tree[T])) (*Tree[T], error) {
	t := Tree[T]{
		hashStrategy: func() hash.Hash { return crypto.NewKeccakState() },
	}

	for _, option := range options {
		option(&t)
	}

	if err := t.generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// MerkleRoot returns the root hash of the tree.
func (t *Tree[T]) MerkleRoot() []byte {
	return t.merkleRoot
}

// Values returns the values the tree was built from, in leaf order,
// excluding the padding duplicate.
func (t *Tree[T]) Values() []T {
	var values []T
	for _, l := range t.leafs {
		if l.dup {
			continue
		}
		values = append(values, l.value)
	}
	return values
}

// Proof returns the sibling hashes and left/right order needed to prove a
// value is in the tree.
func (t *Tree[T]) Proof(value T) ([][]byte, []int64, error) {
	for _, l := range t.leafs {
		if !l.value.Equals(value) {
			continue
		}

		var proof [][]byte
		var order []int64
		current := l
		for parent := t.parent(current); parent != nil; parent = t.parent(current) {
			if bytes.Equal(parent.left.hash, current.hash) {
				proof = append(proof, parent.right.hash)
				order = append(order, 1)
			} else {
				proof = append(proof, parent.left.hash)
				order = append(order, 0)
			}
			current = parent
		}
		return proof, order, nil
	}

	return nil, nil, errors.New("value not found in tree")
}

// =============================================================================

// generate constructs the leafs and interior nodes of the tree.
func (t *Tree[T]) generate(values []T) error {
	if len(values) == 0 {
		return errors.New("cannot construct tree with no content")
	}

	var leafs []*node[T]
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return err
		}
		leafs = append(leafs, &node[T]{hash: hash, value: value, leaf: true})
	}

	// An odd leaf count gets the last leaf duplicated to keep the tree full.
	if len(leafs)%2 == 1 {
		last := leafs[len(leafs)-1]
		leafs = append(leafs, &node[T]{hash: last.hash, value: last.value, leaf: true, dup: true})
	}

	root, err := t.buildIntermediate(leafs)
	if err != nil {
		return err
	}

	t.root = root
	t.leafs = leafs
	t.merkleRoot = root.hash

	return nil
}

// buildIntermediate constructs the interior level above the specified
// nodes, recursing until a single root remains.
func (t *Tree[T]) buildIntermediate(level []*node[T]) (*node[T], error) {
	var next []*node[T]

	for i := 0; i < len(level); i += 2 {
		left, right := i, i+1
		if i+1 == len(level) {
			right = i
		}

		h := t.hashStrategy()
		if _, err := h.Write(append(level[left].hash, level[right].hash...)); err != nil {
			return nil, err
		}

		n := node[T]{
			left:  level[left],
			right: level[right],
			hash:  h.Sum(nil),
		}
		next = append(next, &n)
	}

	if len(next) == 1 {
		return next[0], nil
	}

	return t.buildIntermediate(next)
}

// parent locates the parent of the specified node.
func (t *Tree[T]) parent(child *node[T]) *node[T] {
	var walk func(n *node[T]) *node[T]
	walk = func(n *node[T]) *node[T] {
		if n == nil || n.leaf {
			return nil
		}
		if n.left == child || n.right == child {
			return n
		}
		if p := walk(n.left); p != nil {
			return p
		}
		return walk(n.right)
	}

	if t.root == child {
		return nil
	}
	return walk(t.root)
}
