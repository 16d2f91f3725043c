package model

import "fmt"

// Kind identifies one of the supervised long-running tasks.
type Kind string

const (
	KindIndexing Kind = "indexing"
	KindSync     Kind = "sync"
)

// Kinds lists every supported task kind.
var Kinds = []Kind{KindIndexing, KindSync}

// Topic returns the event topic progress of k is published on.
func (k Kind) Topic() string {
	return string(k) + "-progress"
}

func (k Kind) Valid() bool {
	return k == KindIndexing || k == KindSync
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a user supplied name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown task kind %q: %w", s, ErrNotValid)
	}
	return k, nil
}
