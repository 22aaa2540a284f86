// Package gid parses Shopify global ids of the form
// "gid://shopify/Order/450789469".
package gid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for strings that are not global ids.
var ErrInvalid = errors.New("invalid global id")

// GID is a parsed global id.
type GID struct {
	Namespace string // "gid"
	Scheme    string // "shopify"
	Type      string // "Order", "ProductVariant", ...
	ID        string // "450789469"
}

// String formats the id back into its canonical form.
func (g GID) String() string {
	return g.Namespace + "://" + g.Scheme + "/" + g.Type + "/" + g.ID
}

// Parse parses s. A trailing "?query" is ignored.
func Parse(s string) (GID, error) {
	raw := s
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}

	namespace, rest, ok := strings.Cut(s, "://")
	if !ok || namespace == "" {
		return GID{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return GID{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	return GID{
		Namespace: namespace,
		Scheme:    parts[0],
		Type:      parts[1],
		ID:        parts[2],
	}, nil
}

// TypeOf returns the entity type of s, or "" when s is not a global id.
func TypeOf(s string) string {
	g, err := Parse(s)
	if err != nil {
		return ""
	}
	return g.Type
}
