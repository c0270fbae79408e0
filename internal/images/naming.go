package images

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// ProvisioningPrefix starts the hostname of every instance Create boots
	ProvisioningPrefix = "provisioning-"
	// DebugPrefix starts the hostname of every instance Boot boots
	DebugPrefix = "debug-"

	descriptionTimeLayout = "2006-01-02-15-04"
)

// ErrInvalidName is returned for an image type, dist or tag that cannot be
// used in hostnames and bundle file names.
var ErrInvalidName = errors.New("invalid name")

var namePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// ValidateName checks one name part; kind is used in the error.
func ValidateName(kind, value string) error {
	if !namePattern.MatchString(value) || strings.Contains(value, "..") {
		return fmt.Errorf("%w: %s %q must match %s and not contain \"..\"", ErrInvalidName, kind, value, namePattern)
	}
	return nil
}

// Hostname returns the name of the provisioning instance for a run,
// provisioning-<dist>[-<tag>]-<type>-<unix>.
func Hostname(dist, tag, imageType string, at time.Time) string {
	return ProvisioningPrefix + join(dist, tag, imageType, fmt.Sprint(at.Unix()))
}

// DebugHostname returns the name of a debug instance, debug-[<name>-]<type>-<unix>.
func DebugHostname(name, imageType string, at time.Time) string {
	return DebugPrefix + join(name, imageType, fmt.Sprint(at.Unix()))
}

// Description returns the template description of a successful run. The
// driver prefixes it with the namespace.
func Description(dist, tag, imageType string, at time.Time, revision string) string {
	return join(dist, tag, imageType, at.UTC().Format(descriptionTimeLayout), revision)
}

// TemplatePattern matches the template names Description produces for an
// image type on dist, with or without a tag.
func TemplatePattern(dist, imageType string) string {
	return "-" + regexp.QuoteMeta(dist) + "-(?:.+-)?" + regexp.QuoteMeta(imageType) + "-"
}

// join hyphen-joins the non-empty parts
func join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-")
}
