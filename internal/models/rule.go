package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogSource describes where a detection rule's telemetry comes from.
type LogSource struct {
	Product  string `json:"product,omitempty" yaml:"product,omitempty"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// maxDetectionDepth bounds recursion when validating detection trees.
const maxDetectionDepth = 8

// DetectionNode is one entry in a rule's detection logic: either a
// literal expression (leaf) or a named block of nested entries. Exactly
// one of the two variants is set.
type DetectionNode struct {
	Value    string                   `json:"value,omitempty"`
	Children map[string]DetectionNode `json:"children,omitempty"`
}

// IsLeaf reports whether the node carries a literal value.
func (n DetectionNode) IsLeaf() bool { return n.Children == nil }

// Detection is the full detection-logic tree keyed by selector name.
type Detection map[string]DetectionNode

// Validate walks the tree, rejecting nodes that set both variants,
// empty block nodes, and trees deeper than maxDetectionDepth.
func (d Detection) Validate() error {
	for name, node := range d {
		if err := validateNode(name, node, 1); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(name string, n DetectionNode, depth int) error {
	if depth > maxDetectionDepth {
		return fmt.Errorf("detection field %q nested deeper than %d levels", name, maxDetectionDepth)
	}
	if n.Children == nil {
		return nil
	}
	if n.Value != "" {
		return fmt.Errorf("detection field %q sets both a value and nested fields", name)
	}
	if len(n.Children) == 0 {
		return fmt.Errorf("detection field %q is an empty block", name)
	}
	for child, sub := range n.Children {
		if err := validateNode(name+"."+child, sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// DetectionFromAny converts a decoded YAML/JSON value into the tagged
// model: maps become blocks, lists become index-keyed blocks, and every
// scalar becomes a leaf.
func DetectionFromAny(v any) Detection {
	det := Detection{}
	m, ok := v.(map[string]any)
	if !ok {
		return det
	}
	for k, raw := range m {
		det[k] = nodeFromAny(raw)
	}
	return det
}

func nodeFromAny(v any) DetectionNode {
	switch t := v.(type) {
	case map[string]any:
		children := make(map[string]DetectionNode, len(t))
		for k, raw := range t {
			children[k] = nodeFromAny(raw)
		}
		return DetectionNode{Children: children}
	case []any:
		children := make(map[string]DetectionNode, len(t))
		for i, raw := range t {
			children[fmt.Sprintf("%d", i)] = nodeFromAny(raw)
		}
		return DetectionNode{Children: children}
	case nil:
		return DetectionNode{}
	default:
		return DetectionNode{Value: fmt.Sprintf("%v", t)}
	}
}

// Rule is one detection rule in the corpus.
type Rule struct {
	RuleID         string     `json:"ruleId"`
	Title          string     `json:"title"`
	Level          string     `json:"level,omitempty"`
	Status         string     `json:"status,omitempty"`
	Tags           []string   `json:"tags"`
	Description    string     `json:"description,omitempty"`
	FalsePositives []string   `json:"falsePositives,omitempty"`
	References     []string   `json:"references,omitempty"`
	LogSource      LogSource  `json:"logsource"`
	Detection      Detection  `json:"detection"`
	SourcePath     string     `json:"sourcePath"`
	Slug           string     `json:"slug"`
	YAMLLink       string     `json:"yamlLink"`
	SearchText     string     `json:"-"`
	IsCustom       bool       `json:"isCustom"`
	SourceYAML     string     `json:"-"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// BuildSearchText derives the full-text index payload from title, tags,
// and logsource fields. Must be recomputed whenever any of them change.
func (r *Rule) BuildSearchText() string {
	ls := strings.Join(nonEmpty(r.LogSource.Product, r.LogSource.Service, r.LogSource.Category), " ")
	return strings.Join(nonEmpty(r.Title, strings.Join(r.Tags, " "), ls), " ")
}

// RuleHit is a ranked full-text match from the rule index.
type RuleHit struct {
	Rule  Rule
	Score float64
}

// RulesetHash identifies the candidate set an analysis was computed
// against: the sorted rule ids, hashed by the caller.
func RulesetHash(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func nonEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
