// Package reconstruct rebuilds nested entities from the flat record stream of
// a bulk operation result.
//
// Bulk results list every object on its own line. Connection children carry a
// "__parentId" pointing at their owner:
//
//	{"id":"gid://shopify/Product/1","title":"Shirt"}
//	{"id":"gid://shopify/ProductVariant/101","__parentId":"gid://shopify/Product/1"}
//	{"id":"gid://shopify/Metafield/302","__parentId":"gid://shopify/ProductVariant/101"}
//
// Reconstruct groups those records back into roots with child slots, following
// at most one nested owner below the root.
package reconstruct

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/shop-backup/pkg/gid"
	"github.com/Sternrassler/shop-backup/pkg/jsonl"
)

// Entity is a reconstructed object. Child slots hold []Entity.
type Entity map[string]any

// Schema declares where children of an owner go.
type Schema struct {
	// Slots maps a child entity type to the slot it is collected under,
	// e.g. "LineItem" -> "lineItems".
	Slots map[string]string

	// Nested declares child types that own children themselves. A type listed
	// here must also have a slot in Slots.
	Nested map[string]Schema
}

// SlotNames returns every slot the schema populates.
func (s Schema) SlotNames() []string {
	names := make([]string, 0, len(s.Slots))
	for _, name := range s.Slots {
		names = append(names, name)
	}
	return names
}

const noOwner = -1

type node struct {
	fields Entity
	typ    string
	parent string

	root   bool
	owner  int
	schema *Schema

	// slot name -> node indices in stream order
	children map[string][]int
}

func (n *node) own(schema Schema) {
	n.schema = &schema
	n.children = make(map[string][]int, len(schema.Slots))
}

// occurrence identifies one placement of a record: the same object listed
// under two owners (a product in two collections) is two occurrences.
type occurrence struct {
	id     string
	parent string
}

// Reconstruct groups records into root entities of rootType.
//
// Roots are parentless records of rootType, returned in first-seen order with
// every schema slot present (empty when nothing matched). Children are
// attached in stream order. Records whose parent is unknown, or whose type has
// no slot on the resolved owner, are dropped. A record that repeats an earlier
// id under the same parent updates that record's fields and keeps its original
// position; the same id under a different parent is attached there as well.
// Parent references resolve to the root record of that id when there is one,
// otherwise to its first occurrence.
func Reconstruct(records []jsonl.Record, rootType string, schema Schema) []Entity {
	nodes := make([]*node, 0, len(records))
	seen := make(map[occurrence]int, len(records))
	byID := make(map[string]int, len(records))

	for _, rec := range records {
		id := rec.ID()
		key := occurrence{id: id, parent: rec.ParentID()}
		if idx, ok := seen[key]; ok && id != "" {
			for k, v := range rec {
				nodes[idx].fields[k] = v
			}
			continue
		}

		fields := make(Entity, len(rec))
		for k, v := range rec {
			fields[k] = v
		}
		nodes = append(nodes, &node{
			fields: fields,
			typ:    gid.TypeOf(id),
			parent: key.parent,
			owner:  noOwner,
		})
		if id == "" {
			continue
		}
		idx := len(nodes) - 1
		seen[key] = idx
		if first, ok := byID[id]; !ok || (key.parent == "" && nodes[first].parent != "") {
			byID[id] = idx
		}
	}

	var roots []int
	for i, n := range nodes {
		if n.parent == "" && n.typ == rootType {
			n.root = true
			n.own(schema)
			roots = append(roots, i)
		}
	}

	// Children of roots first, so owners exist before any grandchild is placed,
	// whatever the stream order.
	for i, n := range nodes {
		if n.parent == "" {
			continue
		}
		p, ok := byID[n.parent]
		if !ok || !nodes[p].root {
			continue
		}
		slot, ok := schema.Slots[n.typ]
		if !ok {
			continue
		}
		n.owner = p
		nodes[p].children[slot] = append(nodes[p].children[slot], i)
		if nested, ok := schema.Nested[n.typ]; ok {
			n.own(nested)
		}
	}

	for i, n := range nodes {
		if n.parent == "" || n.owner != noOwner {
			continue
		}
		p, ok := byID[n.parent]
		if !ok {
			continue
		}
		owner := nodes[p]
		if owner.root || owner.owner == noOwner || owner.schema == nil {
			continue
		}
		slot, ok := owner.schema.Slots[n.typ]
		if !ok {
			continue
		}
		n.owner = p
		owner.children[slot] = append(owner.children[slot], i)
	}

	out := make([]Entity, 0, len(roots))
	for _, i := range roots {
		out = append(out, materialize(nodes, i))
	}
	return out
}

func materialize(nodes []*node, i int) Entity {
	n := nodes[i]

	e := make(Entity, len(n.fields)+len(n.children))
	for k, v := range n.fields {
		if k == jsonl.ParentIDField {
			continue
		}
		e[k] = v
	}

	if n.schema != nil {
		for _, slot := range n.schema.SlotNames() {
			list := make([]Entity, 0, len(n.children[slot]))
			for _, c := range n.children[slot] {
				list = append(list, materialize(nodes, c))
			}
			e[slot] = list
		}
	}
	return e
}

// As decodes entities into typed values through their JSON form.
func As[T any](entities []Entity) ([]T, error) {
	raw, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}

	out := make([]T, 0, len(entities))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return out, nil
}
