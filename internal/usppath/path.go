// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usppath

import "strings"

// Reserved lists top-level Device. objects no Service may ever register
// over, even if currently unclaimed, so a registered prefix can never
// overlap the Broker's own internal schema.
var Reserved = []string{
	"Device.LocalAgent.",
	"Device.USPServices.",
	"Device.Subscription.",
	"Device.Boot.",
	"Device.SoftwareModules.",
	"Device.LocalAgent.Subscription.",
}

// IsReserved reports whether prefix falls under a Broker-reserved subtree.
func IsReserved(prefix string) bool {
	for _, r := range Reserved {
		if prefix == r || strings.HasPrefix(prefix, r) || strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

// ValidatePrefix checks a Service-registrable path prefix: it must
// start with "Device.", end with ".", contain only alphanumerics and
// ".", contain no segment beginning with a digit (no literal instance
// numbers), and contain no template placeholder.
func ValidatePrefix(prefix string) error {
	if !strings.HasPrefix(prefix, "Device.") {
		return ErrNotDeviceRooted
	}
	if !strings.HasSuffix(prefix, ".") {
		return ErrNotDotTerminated
	}
	if strings.ContainsAny(prefix, "{}*") {
		return ErrTemplatePlaceholder
	}
	for _, r := range prefix {
		if r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return ErrInvalidCharacter
	}
	for _, segment := range strings.Split(strings.TrimSuffix(prefix, "."), ".") {
		if segment == "" {
			return ErrEmptySegment
		}
		if segment[0] >= '0' && segment[0] <= '9' {
			return ErrInstanceNumberSegment
		}
	}
	return nil
}

// HasPrefixPath reports whether child is path-equal to or nested under
// prefix, treating "." as the path separator (so "Device.Wi-Fi2." does
// not match prefix "Device.Wi-Fi.").
func HasPrefixPath(prefix, child string) bool {
	return child == prefix || strings.HasPrefix(child, prefix)
}

// Overlaps reports whether two registrable prefixes conflict: identical,
// or one is an ancestor of the other.
func Overlaps(a, b string) bool {
	return HasPrefixPath(a, b) || HasPrefixPath(b, a)
}

// TemplateContains reports whether concrete falls under template, where
// template may contain "{i}" segments that match any all-numeric segment
// at the corresponding position in concrete. concrete may carry extra
// trailing segments beyond template's length, naming a parameter or
// child object inside the instance template resolves.
func TemplateContains(template, concrete string) bool {
	if template == concrete {
		return true
	}
	tSegs := strings.Split(strings.TrimSuffix(template, "."), ".")
	cSegs := strings.Split(strings.TrimSuffix(concrete, "."), ".")
	if len(cSegs) < len(tSegs) {
		return false
	}
	for i, t := range tSegs {
		if t == "{i}" {
			if !isAllDigits(cSegs[i]) {
				return false
			}
			continue
		}
		if t != cSegs[i] {
			return false
		}
	}
	return true
}

// Depth counts path's dot-separated segments ("Device.WiFi.Radio." is
// depth 3), used to bound how far a passthrough eligibility check is
// willing to walk the schema tree for a single path.
func Depth(path string) int {
	trimmed := strings.TrimSuffix(path, ".")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, ".") + 1
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
