// Package classify tags processes with a (group, subgroup) pair by matching
// command names and command lines against a compiled rule set.
package classify

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"github.com/pelletier/go-toml/v2"
)

//go:embed data/subgroups.toml
var defaultRules []byte

// Paths searched for user rule files, in order. The first one that exists
// wins; user rules are appended to the embedded defaults.
var userRulePaths = []string{
	"./subgroups.toml",
	"/etc/herakles/subgroups.toml",
}

// Tag is a classification result.
type Tag struct {
	Group    string
	Subgroup string
}

// Other is the tag attached to processes no rule matches.
var Other = Tag{Group: "other", Subgroup: "other"}

// Rule is one classification rule as declared in a subgroups TOML file.
// A process matches when its command name is listed in Matches or its full
// command line matches any of CmdlineMatches.
type Rule struct {
	Group          string   `toml:"group"`
	Subgroup       string   `toml:"subgroup"`
	Matches        []string `toml:"matches"`
	CmdlineMatches []string `toml:"cmdline_matches"`
}

type rulesFile struct {
	Subgroups []Rule `toml:"subgroups"`
}

type compiledRule struct {
	tag      Tag
	patterns []*regexp.Regexp
}

// Classifier matches processes against a compiled rule set. Read-only after
// construction; safe for concurrent use.
type Classifier struct {
	exact map[string]Tag
	rules []compiledRule

	families []Rule
}

// Load builds a classifier from the embedded default rules plus the first
// user rule file found. A malformed user file is a startup error; a missing
// one is silent.
func Load() (*Classifier, error) {
	c := &Classifier{exact: make(map[string]Tag)}
	if err := c.append(defaultRules); err != nil {
		return nil, fmt.Errorf("embedded subgroup rules: %w", err)
	}
	for _, path := range userRulePaths {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read subgroup rules %s: %w", path, err)
		}
		if err := c.append(b); err != nil {
			return nil, fmt.Errorf("subgroup rules %s: %w", path, err)
		}
		break
	}
	return c, nil
}

// LoadFrom builds a classifier from explicit TOML documents, defaults
// first. Used by tests; the CLI commands and the server use Load.
func LoadFrom(docs ...[]byte) (*Classifier, error) {
	c := &Classifier{exact: make(map[string]Tag)}
	for _, doc := range docs {
		if err := c.append(doc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Classifier) append(doc []byte) error {
	var parsed rulesFile
	if err := toml.Unmarshal(doc, &parsed); err != nil {
		return err
	}
	for _, r := range parsed.Subgroups {
		if r.Group == "" || r.Subgroup == "" {
			return fmt.Errorf("rule with empty group or subgroup")
		}
		tag := Tag{Group: r.Group, Subgroup: r.Subgroup}
		for _, name := range r.Matches {
			c.exact[name] = tag
		}
		if len(r.CmdlineMatches) > 0 {
			cr := compiledRule{tag: tag}
			for _, pat := range r.CmdlineMatches {
				re, err := regexp.Compile(pat)
				if err != nil {
					return fmt.Errorf("rule %s/%s: pattern %q: %w", r.Group, r.Subgroup, pat, err)
				}
				cr.patterns = append(cr.patterns, re)
			}
			c.rules = append(c.rules, cr)
		}
		c.mergeFamily(r)
	}
	return nil
}

// mergeFamily folds a rule into the per-(group,subgroup) family list used by
// the subgroups endpoint and CLI command.
func (c *Classifier) mergeFamily(r Rule) {
	for i := range c.families {
		f := &c.families[i]
		if f.Group == r.Group && f.Subgroup == r.Subgroup {
			f.Matches = append(f.Matches, r.Matches...)
			f.CmdlineMatches = append(f.CmdlineMatches, r.CmdlineMatches...)
			return
		}
	}
	c.families = append(c.families, r)
}

// Classify returns the (group, subgroup) tag for a process. The exact-name
// hash is the fast path; cmdline patterns are tried in declared rule order.
func (c *Classifier) Classify(name, cmdline string) Tag {
	if tag, ok := c.exact[name]; ok {
		return tag
	}
	if cmdline != "" {
		for _, r := range c.rules {
			for _, re := range r.patterns {
				if re.MatchString(cmdline) {
					return r.tag
				}
			}
		}
	}
	return Other
}

// Families returns the merged rule families, in declared order.
func (c *Classifier) Families() []Rule { return c.families }

// RuleCount returns the number of distinct (group, subgroup) families.
func (c *Classifier) RuleCount() int { return len(c.families) }
