// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package tree implements copy-on-write edits of generic JSON documents
// addressed by slash separated paths. Both realtime store backends keep their
// data in this shape.
package tree

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Node is a decoded JSON value: map[string]interface{}, []interface{},
// json.Number, string, bool or nil.
type Node = interface{}

// Split splits path into segments, dropping empty ones.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Join is the inverse of Split.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Normalize converts any JSON-marshalable value into a Node.
func Normalize(v interface{}) (Node, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses raw JSON into a Node. Empty input decodes to nil.
func Decode(raw []byte) (Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n Node
	if err := dec.Decode(&n); err != nil {
		return nil, err
	}
	return prune(n), nil
}

// Encode marshals n; a nil node encodes to nil.
func Encode(n Node) (json.RawMessage, error) {
	if n == nil {
		return nil, nil
	}
	return json.Marshal(n)
}

// Get returns the node at segs, or nil.
func Get(n Node, segs []string) Node {
	cur := n
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

// Set returns a new root with v placed at segs. Maps along the path are
// copied, so the original root is never modified. A nil v removes the node
// and any parent left empty.
func Set(root Node, segs []string, v Node) Node {
	if len(segs) == 0 {
		return prune(v)
	}
	m, _ := root.(map[string]interface{})
	cp := make(map[string]interface{}, len(m)+1)
	for k, child := range m {
		cp[k] = child
	}

	child := Set(cp[segs[0]], segs[1:], v)
	if child == nil {
		delete(cp, segs[0])
	} else {
		cp[segs[0]] = child
	}
	if len(cp) == 0 {
		return nil
	}
	return cp
}

// Children returns the keys of a map node in ascending order.
func Children(n Node) []string {
	m, ok := n.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two nodes structurally.
func Equal(a, b Node) bool {
	return reflect.DeepEqual(a, b)
}

// Added is one child key that exists in the new document but not the old one.
type Added struct {
	Parent []string
	Key    string
}

// AddedChildren lists every child added anywhere in the document, parents
// before their descendants and siblings in key order.
func AddedChildren(before, after Node) []Added {
	var out []Added
	collectAdded(nil, before, after, &out)
	return out
}

func collectAdded(parent []string, before, after Node, out *[]Added) {
	am, ok := after.(map[string]interface{})
	if !ok {
		return
	}
	bm, _ := before.(map[string]interface{})
	for _, k := range Children(am) {
		if _, existed := bm[k]; !existed {
			*out = append(*out, Added{Parent: append([]string(nil), parent...), Key: k})
		}
	}
	for _, k := range Children(am) {
		path := append(append([]string(nil), parent...), k)
		collectAdded(path, bm[k], am[k], out)
	}
}

// prune drops null members and empty maps, matching how the store treats
// writes of nil.
func prune(n Node) Node {
	m, ok := n.(map[string]interface{})
	if !ok {
		return n
	}
	for k, v := range m {
		if pv := prune(v); pv == nil {
			delete(m, k)
		} else {
			m[k] = pv
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
