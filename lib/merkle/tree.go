// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

// Package merkle builds SHA-256 Merkle trees over file content so that
// a modification can be localized to the chunks that changed instead of
// re-reading the whole file. Trees carry inclusion proofs that verify a
// single chunk against the root without the rest of the data.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the leaf granularity when the caller does not
// choose one. 1 MiB keeps trees small for typical files while still
// localizing changes usefully.
const DefaultChunkSize = 1 << 20

// Leaf is a single chunk's hash and its byte range in the source.
type Leaf struct {
	Hash  string `json:"hash" cbor:"1,keyasint"`
	Start int64  `json:"start" cbor:"2,keyasint"`
	End   int64  `json:"end" cbor:"3,keyasint"`
}

// Tree is a complete Merkle tree. levels[0] holds the leaf hashes and
// the last level holds the single root. An empty input produces a
// one-leaf tree over zero bytes, so every tree has a root.
type Tree struct {
	RootHash  string `json:"root_hash" cbor:"1,keyasint"`
	ChunkSize int64  `json:"chunk_size" cbor:"2,keyasint"`
	TotalSize int64  `json:"total_size" cbor:"3,keyasint"`
	Leaves    []Leaf `json:"leaves" cbor:"4,keyasint"`

	levels [][]string
}

// treeSnapshot is the persisted form: the levels above the leaves are
// recomputed on load rather than stored.
type treeSnapshot struct {
	RootHash  string `cbor:"1,keyasint"`
	ChunkSize int64  `cbor:"2,keyasint"`
	TotalSize int64  `cbor:"3,keyasint"`
	Leaves    []Leaf `cbor:"4,keyasint"`
}

// combine hashes a pair of sibling hex digests into their parent. The
// two digests are joined with a colon so the pair boundary is
// unambiguous.
func combine(left, right string) string {
	digest := sha256.Sum256([]byte(left + ":" + right))
	return hex.EncodeToString(digest[:])
}

func hashChunk(chunk []byte) string {
	digest := sha256.Sum256(chunk)
	return hex.EncodeToString(digest[:])
}

// Build reads r to EOF and constructs a tree with the given chunk
// size. chunkSize <= 0 selects DefaultChunkSize.
func Build(r io.Reader, chunkSize int64) (*Tree, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var leaves []Leaf
	var offset int64
	buffer := make([]byte, chunkSize)

	for {
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			leaves = append(leaves, Leaf{
				Hash:  hashChunk(buffer[:n]),
				Start: offset,
				End:   offset + int64(n),
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("merkle: reading chunk: %w", err)
		}
	}

	if len(leaves) == 0 {
		leaves = append(leaves, Leaf{Hash: hashChunk(nil)})
	}

	tree := &Tree{
		ChunkSize: chunkSize,
		TotalSize: offset,
		Leaves:    leaves,
	}
	tree.buildLevels()
	return tree, nil
}

// BuildFile constructs a tree over a file's contents.
func BuildFile(path string, chunkSize int64) (*Tree, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("merkle: opening %s: %w", path, err)
	}
	defer file.Close()
	return Build(file, chunkSize)
}

// BuildBytes constructs a tree over in-memory data.
func BuildBytes(data []byte, chunkSize int64) (*Tree, error) {
	return Build(bytes.NewReader(data), chunkSize)
}

// buildLevels computes every level from the leaves up to the root. An
// odd node at the end of a level is promoted unchanged to the next.
func (t *Tree) buildLevels() {
	level := make([]string, len(t.Leaves))
	for i, leaf := range t.Leaves {
		level[i] = leaf.Hash
	}
	t.levels = [][]string{level}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}

	t.RootHash = level[0]
}

// Height returns the number of levels above the leaves.
func (t *Tree) Height() int {
	return len(t.levels) - 1
}

// LeafCount returns the number of chunks.
func (t *Tree) LeafCount() int {
	return len(t.Leaves)
}

// ProofStep is one sibling on the path from a leaf to the root.
// Position says which side the sibling sits on when combining.
type ProofStep struct {
	Position string `json:"position" cbor:"1,keyasint"` // "left" or "right"
	Hash     string `json:"hash" cbor:"2,keyasint"`
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	LeafIndex int         `json:"leaf_index" cbor:"1,keyasint"`
	LeafHash  string      `json:"leaf_hash" cbor:"2,keyasint"`
	Steps     []ProofStep `json:"steps" cbor:"3,keyasint"`
	RootHash  string      `json:"root_hash" cbor:"4,keyasint"`
}

// Proof generates an inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*Proof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}

	proof := &Proof{
		LeafIndex: index,
		LeafHash:  t.Leaves[index].Hash,
		RootHash:  t.RootHash,
	}

	position := index
	for _, level := range t.levels[:len(t.levels)-1] {
		var sibling int
		var side string
		if position%2 == 0 {
			sibling = position + 1
			side = "right"
		} else {
			sibling = position - 1
			side = "left"
		}
		// A promoted odd node has no sibling at this level.
		if sibling < len(level) {
			proof.Steps = append(proof.Steps, ProofStep{Position: side, Hash: level[sibling]})
		}
		position /= 2
	}

	return proof, nil
}

// VerifyProof replays a proof's combine steps and reports whether the
// result matches the proof's root hash.
func VerifyProof(proof *Proof) bool {
	current := proof.LeafHash
	for _, step := range proof.Steps {
		switch step.Position {
		case "left":
			current = combine(step.Hash, current)
		case "right":
			current = combine(current, step.Hash)
		default:
			return false
		}
	}
	return current == proof.RootHash
}

// FindModifiedChunks re-reads the file's chunk ranges and returns the
// leaf indices whose content no longer matches the tree. If the file
// grew, the new trailing chunk indices are included; if it shrank, the
// missing trailing indices are included.
func FindModifiedChunks(tree *Tree, path string) ([]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("merkle: opening %s: %w", path, err)
	}
	defer file.Close()

	current, err := Build(file, tree.ChunkSize)
	if err != nil {
		return nil, err
	}

	var modified []int
	shared := len(tree.Leaves)
	if len(current.Leaves) < shared {
		shared = len(current.Leaves)
	}
	for i := 0; i < shared; i++ {
		if tree.Leaves[i].Hash != current.Leaves[i].Hash {
			modified = append(modified, i)
		}
	}
	longer := len(tree.Leaves)
	if len(current.Leaves) > longer {
		longer = len(current.Leaves)
	}
	for i := shared; i < longer; i++ {
		modified = append(modified, i)
	}

	return modified, nil
}
