package classify

// SearchMode selects how search_groups/search_subgroups are applied.
type SearchMode string

const (
	SearchOff     SearchMode = "off"
	SearchInclude SearchMode = "include"
	SearchExclude SearchMode = "exclude"
)

// Filter is the record filter policy applied after classification and
// before aggregation.
type Filter struct {
	Mode          SearchMode
	Groups        map[string]struct{}
	Subgroups     map[string]struct{}
	DisableOthers bool
	MinUSSBytes   uint64
}

// NewFilter builds a filter from configuration values. minUSSKB is in KB as
// configured; the threshold applies to USS in bytes.
func NewFilter(mode string, groups, subgroups []string, disableOthers bool, minUSSKB uint64) Filter {
	f := Filter{
		Mode:          SearchMode(mode),
		DisableOthers: disableOthers,
		MinUSSBytes:   minUSSKB * 1024,
	}
	if f.Mode != SearchInclude && f.Mode != SearchExclude {
		f.Mode = SearchOff
	}
	if len(groups) > 0 {
		f.Groups = make(map[string]struct{}, len(groups))
		for _, g := range groups {
			f.Groups[g] = struct{}{}
		}
	}
	if len(subgroups) > 0 {
		f.Subgroups = make(map[string]struct{}, len(subgroups))
		for _, sg := range subgroups {
			f.Subgroups[sg] = struct{}{}
		}
	}
	return f
}

// Keep reports whether a record with the given tag and USS survives the
// filter policy.
func (f Filter) Keep(tag Tag, ussBytes uint64) bool {
	if f.DisableOthers && tag == Other {
		return false
	}
	if ussBytes < f.MinUSSBytes {
		return false
	}
	match := false
	if f.Groups != nil {
		_, match = f.Groups[tag.Group]
	}
	if !match && f.Subgroups != nil {
		_, match = f.Subgroups[tag.Subgroup]
	}
	switch f.Mode {
	case SearchInclude:
		return match
	case SearchExclude:
		return !match
	default:
		return true
	}
}
