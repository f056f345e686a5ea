package database

import (
	"strings"
)

type QueryKind int

const (
	KindWrite QueryKind = iota
	KindRead
)

func (k QueryKind) String() string {
	if k == KindRead {
		return "read"
	}

	return "write"
}

var readPrefixes = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN"}

// Classify is lexical: a statement is a read when it starts with one of the
// read keywords, anything else is a write.
func Classify(text string) QueryKind {
	normalized := strings.ToUpper(strings.TrimSpace(text))

	for _, prefix := range readPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return KindRead
		}
	}

	return KindWrite
}

func returnsRows(text string) bool {
	return Classify(text) == KindRead || strings.Contains(strings.ToUpper(text), "RETURNING")
}
