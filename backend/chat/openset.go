// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

// OpenSet is the ordered set of conversation ids on screen, in the order they
// were opened. It is not safe for concurrent use; the session guards it.
type OpenSet struct {
	ids   []string
	index map[string]struct{}
}

func NewOpenSet() *OpenSet {
	return &OpenSet{index: make(map[string]struct{})}
}

// Open appends id unless it is already present. It reports whether id was added.
func (o *OpenSet) Open(id string) bool {
	if _, ok := o.index[id]; ok {
		return false
	}
	o.index[id] = struct{}{}
	o.ids = append(o.ids, id)
	return true
}

// Close removes id if present.
func (o *OpenSet) Close(id string) bool {
	if _, ok := o.index[id]; !ok {
		return false
	}
	delete(o.index, id)
	for i, cur := range o.ids {
		if cur == id {
			o.ids = append(o.ids[:i:i], o.ids[i+1:]...)
			break
		}
	}
	return true
}

func (o *OpenSet) CloseAll() {
	o.ids = nil
	o.index = make(map[string]struct{})
}

func (o *OpenSet) Contains(id string) bool {
	_, ok := o.index[id]
	return ok
}

// IDs returns a copy in tab order.
func (o *OpenSet) IDs() []string {
	return append([]string{}, o.ids...)
}

func (o *OpenSet) Len() int {
	return len(o.ids)
}
