package sqlbase

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL engines the repositories run on.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Rebind rewrites '?' placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var builder strings.Builder

	builder.Grow(len(query) + 8)

	position := 0

	for _, r := range query {
		if r != '?' {
			builder.WriteRune(r)

			continue
		}

		position++

		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(position))
	}

	return builder.String()
}
