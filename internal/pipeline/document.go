package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a configuration bundle document: node attributes for the
// configuration tool plus the recipes to run.
type Document struct {
	JSON    map[string]any `yaml:"json"`
	Recipes []string       `yaml:"recipes"`
}

// LoadDocument reads a YAML bundle document. A missing file is an empty
// document.
func LoadDocument(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

// Merge deep-merges override into base and returns the result. Nested maps
// merge by key, lists concatenate, and scalars from override win. Neither
// argument is modified.
func Merge(base, override Document) Document {
	out := Document{
		JSON:    mergeMaps(base.JSON, override.JSON),
		Recipes: make([]string, 0, len(base.Recipes)+len(override.Recipes)),
	}
	out.Recipes = append(out.Recipes, base.Recipes...)
	out.Recipes = append(out.Recipes, override.Recipes...)
	return out
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, v := range override {
		existing, ok := out[k]
		if !ok {
			out[k] = deepCopy(v)
			continue
		}
		switch ev := existing.(type) {
		case map[string]any:
			if ov, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(ev, ov)
				continue
			}
		case []any:
			if ov, ok := v.([]any); ok {
				merged := make([]any, 0, len(ev)+len(ov))
				merged = append(merged, ev...)
				for _, item := range ov {
					merged = append(merged, deepCopy(item))
				}
				out[k] = merged
				continue
			}
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return mergeMaps(tv, nil)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// RunList renders the recipes as a run list. Entries already written as
// recipe[...] or role[...] are kept as they are.
func (d Document) RunList() []string {
	list := make([]string, 0, len(d.Recipes))
	for _, r := range d.Recipes {
		if strings.HasPrefix(r, "recipe[") || strings.HasPrefix(r, "role[") {
			list = append(list, r)
			continue
		}
		list = append(list, "recipe["+r+"]")
	}
	return list
}

// SoloDocument builds the JSON input of the configuration tool: the merged
// attributes, the source revision under system_info.cookbooks_sha and the
// run list.
func SoloDocument(doc Document, revision string) ([]byte, error) {
	attrs := mergeMaps(doc.JSON, map[string]any{
		"system_info": map[string]any{"cookbooks_sha": revision},
	})
	attrs["run_list"] = doc.RunList()

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode solo document: %w", err)
	}
	return data, nil
}
