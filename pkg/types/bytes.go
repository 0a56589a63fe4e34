// Package types holds small shared value types.
package types

import "fmt"

// Bytes is a size in bytes.
type Bytes uint64

// Humanized renders the size with an automatic 1024-based unit.
func (b Bytes) Humanized() string {
	units := []struct {
		limit Bytes
		name  string
	}{
		{1 << 40, "TB"},
		{1 << 30, "GB"},
		{1 << 20, "MB"},
		{1 << 10, "KB"},
	}
	for _, u := range units {
		if b >= u.limit {
			return fmt.Sprintf("%.2f %s", float64(b)/float64(u.limit), u.name)
		}
	}
	return fmt.Sprintf("%d B", uint64(b))
}

// KB returns the size in kilobytes (1024 base).
func (b Bytes) KB() float64 { return float64(b) / (1 << 10) }

// MB returns the size in megabytes (1024 base).
func (b Bytes) MB() float64 { return float64(b) / (1 << 20) }
