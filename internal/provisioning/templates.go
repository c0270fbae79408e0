package provisioning

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// namespaced returns the full template name for a description.
func namespaced(namespace, description string) string {
	return namespace + "-" + description
}

// SelectLatest picks the newest active private template whose name carries
// the namespace prefix and matches pattern. Ties on creation time are broken
// by name, then id, both descending, so the result never depends on the
// order the provider listed them in.
func SelectLatest(templates []Template, namespace, pattern string) (Template, bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Template{}, false, fmt.Errorf("invalid template pattern %q: %w", pattern, err)
	}

	prefix := namespace + "-"
	var candidates []Template
	for _, t := range templates {
		if t.Public || !strings.HasPrefix(t.Name, prefix) {
			continue
		}
		if t.Status != TemplateActive {
			continue
		}
		if !re.MatchString(t.Name) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return Template{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Name != b.Name {
			return a.Name > b.Name
		}
		return a.ID > b.ID
	})
	return candidates[0], true, nil
}

var invalidImageNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeImageName fits a template name into the RFC 1035 style names GCE
// and Yandex Cloud require: lowercase letters, digits and hyphens, starting
// with a letter, at most 63 characters.
func sanitizeImageName(name string) string {
	name = invalidImageNameChars.ReplaceAllString(strings.ToLower(name), "-")
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "i-" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
