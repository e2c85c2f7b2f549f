package corpus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	sectionLogsource = "logsource"
	sectionDetection = "detection"
	keyCondition     = "condition"

	mergeTag = "!!merge"
)

// Extract parses one rule document and pulls out its records.
//
// A non-nil error is always a *ParseError and means nothing was extracted.
// Problems confined to one section are reported in Extraction.Issues.
func Extract(document string, data []byte) (*Extraction, error) {
	top, err := decodeSingleMapping(data)
	if err != nil {
		return nil, &ParseError{Path: document, Err: err}
	}

	ex := &Extraction{Document: document}
	logsource := lookup(top, sectionLogsource)
	detection := lookup(top, sectionDetection)
	if logsource == nil && detection == nil {
		return ex, nil
	}
	ex.IsRule = true

	record, issue := extractLogSource(document, logsource)
	if issue != nil {
		ex.Issues = append(ex.Issues, issue)
	}
	ex.LogSource = record

	selections, issues := extractSelections(document, detection)
	ex.Selections = selections
	ex.Issues = append(ex.Issues, issues...)

	return ex, nil
}

// decodeSingleMapping decodes data as exactly one YAML document whose root
// is a mapping.
func decodeSingleMapping(data []byte) (*yaml.Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("document is empty")
		}
		return nil, err
	}

	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, errors.New("file contains more than one YAML document")
	case !errors.Is(err, io.EOF):
		return nil, err
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, errors.New("document is empty")
		}
		root = root.Content[0]
	}
	root = resolve(root)
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top-level value is a %s, not a mapping", kindName(root.Kind))
	}
	return root, nil
}

// extractLogSource returns the record and, separately, any problem with it.
// A value that cannot be rendered leaves its column empty.
func extractLogSource(document string, node *yaml.Node) (*LogSourceRecord, error) {
	if node == nil {
		return nil, &DataQualityError{Path: document, Section: sectionLogsource, Reason: "is missing"}
	}
	if node.Kind != yaml.MappingNode {
		return nil, &DataQualityError{Path: document, Section: sectionLogsource,
			Reason: fmt.Sprintf("is a %s, not a mapping", kindName(node.Kind))}
	}
	if len(node.Content) == 0 {
		return nil, &DataQualityError{Path: document, Section: sectionLogsource, Reason: "is empty"}
	}

	record := &LogSourceRecord{Document: document}
	var issue error
	forEachPair(node, func(key string, value *yaml.Node) {
		var field *string
		switch key {
		case "category":
			field = &record.Category
		case "product":
			field = &record.Product
		case "service":
			field = &record.Service
		default:
			return
		}
		text, err := Stringify(value)
		if err != nil {
			issue = &DataQualityError{Path: document, Section: sectionLogsource,
				Reason: fmt.Sprintf("value of %q cannot be rendered", key), Err: err}
			return
		}
		*field = text
	})
	return record, issue
}

func extractSelections(document string, node *yaml.Node) ([]SelectionRecord, []error) {
	if node == nil {
		return nil, []error{&DataQualityError{Path: document, Section: sectionDetection, Reason: "is missing"}}
	}
	if node.Kind != yaml.MappingNode {
		return nil, []error{&DataQualityError{Path: document, Section: sectionDetection,
			Reason: fmt.Sprintf("is a %s, not a mapping", kindName(node.Kind))}}
	}

	var records []SelectionRecord
	var issues []error
	forEachPair(node, func(name string, block *yaml.Node) {
		// keyword lists and scalars such as timeframe are not field selections
		if name == keyCondition || block.Kind != yaml.MappingNode {
			return
		}
		for _, p := range pairs(block) {
			if p.key.Kind != yaml.ScalarNode || p.key.Value == "" {
				issues = append(issues, &DataQualityError{Path: document, Section: sectionDetection,
					Reason: fmt.Sprintf("selection %q has a field without a usable name", name)})
				continue
			}
			value, err := Stringify(p.value)
			if err != nil {
				issues = append(issues, &DataQualityError{Path: document, Section: sectionDetection,
					Reason: fmt.Sprintf("selection %q field %q cannot be rendered", name, p.key.Value), Err: err})
				continue
			}
			records = append(records, SelectionRecord{
				FieldName: p.key.Value,
				Value:     value,
				Document:  document,
			})
		}
	})
	return records, issues
}

// Stringify renders a YAML value as the single string stored in the index.
// Scalars keep their source text, null becomes the empty string, and
// sequences and mappings are emitted on one line in flow style, with
// merge keys expanded.
func Stringify(node *yaml.Node) (string, error) {
	node = resolve(node)
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return "", nil
		}
		return node.Value, nil
	case yaml.SequenceNode, yaml.MappingNode:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(flowCopy(node)); err != nil {
			return "", fmt.Errorf("encode %s: %w", kindName(node.Kind), err)
		}
		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("encode %s: %w", kindName(node.Kind), err)
		}
		return strings.TrimSpace(buf.String()), nil
	default:
		return "", nil
	}
}

// flowCopy deep-copies node with every collection switched to flow style.
// Scalar styles, anchors, aliases and comments are dropped so the encoder
// quotes only where the value requires it.
func flowCopy(node *yaml.Node) *yaml.Node {
	node = resolve(node)
	out := &yaml.Node{Kind: node.Kind, Tag: node.Tag, Value: node.Value}
	switch node.Kind {
	case yaml.SequenceNode:
		out.Style = yaml.FlowStyle
		out.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			out.Content[i] = flowCopy(child)
		}
	case yaml.MappingNode:
		out.Style = yaml.FlowStyle
		for _, p := range pairs(node) {
			out.Content = append(out.Content, flowCopy(p.key), flowCopy(p.value))
		}
	}
	return out
}

// pair is one key/value entry of a mapping node, aliases resolved.
type pair struct {
	key, value *yaml.Node
}

// pairs returns the entries of a mapping with merge keys (<<) expanded the
// way a YAML loader builds the resulting map: explicit keys win over merged
// ones, earlier merge sources win over later ones, and a repeated key keeps
// its first position with its last value.
func pairs(mapping *yaml.Node) []pair {
	var merged, own []pair
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := resolve(mapping.Content[i]), resolve(mapping.Content[i+1])
		if key.Kind != yaml.ScalarNode || key.ShortTag() != mergeTag {
			own = append(own, pair{key: key, value: value})
			continue
		}
		switch value.Kind {
		case yaml.MappingNode:
			merged = append(merged, pairs(value)...)
		case yaml.SequenceNode:
			for j := len(value.Content) - 1; j >= 0; j-- {
				if src := resolve(value.Content[j]); src.Kind == yaml.MappingNode {
					merged = append(merged, pairs(src)...)
				}
			}
		}
	}

	all := append(merged, own...)
	out := make([]pair, 0, len(all))
	seen := make(map[string]int, len(all))
	for _, p := range all {
		if p.key.Kind == yaml.ScalarNode {
			if i, ok := seen[p.key.Value]; ok {
				out[i].value = p.value
				continue
			}
			seen[p.key.Value] = len(out)
		}
		out = append(out, p)
	}
	return out
}

// lookup returns the value stored under key in a mapping node.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for _, p := range pairs(mapping) {
		if p.key.Kind == yaml.ScalarNode && p.key.Value == key {
			return p.value
		}
	}
	return nil
}

// forEachPair calls fn for every scalar-keyed entry of a mapping, in document order.
func forEachPair(mapping *yaml.Node, fn func(key string, value *yaml.Node)) {
	for _, p := range pairs(mapping) {
		if p.key.Kind != yaml.ScalarNode {
			continue
		}
		fn(p.key.Value, p.value)
	}
}

func resolve(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.DocumentNode:
		return "document"
	case yaml.AliasNode:
		return "alias"
	default:
		return "empty value"
	}
}
