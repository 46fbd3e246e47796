package flow

import (
	"embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// templateDoc is the YAML shape of an embedded flow template.
type templateDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Nodes       []struct {
		ID       string         `yaml:"id"`
		Type     string         `yaml:"type"`
		Position Position       `yaml:"position"`
		Size     *Size          `yaml:"size"`
		Data     map[string]any `yaml:"data"`
	} `yaml:"nodes"`
	Edges []struct {
		ID           string `yaml:"id"`
		Source       string `yaml:"source"`
		Target       string `yaml:"target"`
		SourceHandle string `yaml:"sourceHandle"`
		Label        string `yaml:"label"`
	} `yaml:"edges"`
}

var templates = map[string]*templateDoc{}

func init() {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		panic(fmt.Sprintf("flow templates: %v", err))
	}
	for _, entry := range entries {
		data, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("flow template %s: %v", entry.Name(), err))
		}
		var doc templateDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			panic(fmt.Sprintf("flow template %s: %v", entry.Name(), err))
		}
		templates[doc.Name] = &doc
	}
}

// TemplateNames lists the available template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromTemplate instantiates the named template's graph. The metadata
// envelope is left to the caller.
func FromTemplate(name string) (*Flow, error) {
	doc, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q (have %v)", name, TemplateNames())
	}

	f := &Flow{
		Nodes: make([]Node, 0, len(doc.Nodes)),
		Edges: make([]Edge, 0, len(doc.Edges)),
	}
	for _, n := range doc.Nodes {
		f.Nodes = append(f.Nodes, Node{
			ID:       n.ID,
			Type:     NodeType(n.Type),
			Position: n.Position,
			Size:     n.Size,
			Data:     normalizeYAML(n.Data),
		})
	}
	for _, e := range doc.Edges {
		f.Edges = append(f.Edges, Edge{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
			Label:        e.Label,
		})
	}
	return f, nil
}

// normalizeYAML rewrites yaml's map[any]any values into the
// map[string]any shape the JSON layer expects.
func normalizeYAML(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	default:
		return v
	}
}
