package projector

import (
	"fmt"
	"strings"
)

// Column types produced by the pivot.
const (
	TypeBigint   = "bigint"
	TypeInterval = "interval"
	TypeText     = "text"
)

// maxIdentLen is PostgreSQL's NAMEDATALEN - 1.
const maxIdentLen = 63

// Resource is one distinct (name, requested) pair found in the fact table.
type Resource struct {
	Name      string
	Requested bool
}

// Category is the crosstab category value for the resource.
func (r Resource) Category() string {
	if r.Requested {
		return "r:" + r.Name
	}
	return "u:" + r.Name
}

// Column is one pivot column.
type Column struct {
	Name     string
	Resource Resource
	Type     string
}

// Naming controls how resources become columns.
type Naming struct {
	RequestedPrefix   string
	UsedPrefix        string
	IntegerResources  []string
	DurationResources []string
}

// Columns maps resources to pivot columns in the given order. Names are
// lowercased, reduced to [a-z0-9_] and made unique; job_id is reserved.
func (n Naming) Columns(resources []Resource) []Column {
	integers := toSet(n.IntegerResources)
	durations := toSet(n.DurationResources)

	used := map[string]bool{"job_id": true}
	cols := make([]Column, 0, len(resources))
	for _, r := range resources {
		prefix := n.UsedPrefix
		if r.Requested {
			prefix = n.RequestedPrefix
		}
		name := uniqueName(identifierSafe(prefix+r.Name), used)
		used[name] = true

		typ := TypeText
		key := strings.ToLower(r.Name)
		switch {
		case integers[key]:
			typ = TypeBigint
		case durations[key]:
			typ = TypeInterval
		}
		cols = append(cols, Column{Name: name, Resource: r, Type: typ})
	}
	return cols
}

func identifierSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "r_" + out
	}
	if len(out) > maxIdentLen {
		out = out[:maxIdentLen]
	}
	return out
}

func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		base := name
		if len(base)+len(suffix) > maxIdentLen {
			base = base[:maxIdentLen-len(suffix)]
		}
		if candidate := base + suffix; !used[candidate] {
			return candidate
		}
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}
