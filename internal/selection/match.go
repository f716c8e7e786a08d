// ABOUTME: Selector and setup-scope matching primitives shared by selection and capability checks.
// ABOUTME: Missing constraints always mean "no constraint", never "deny".

package selection

import (
	"strings"

	"github.com/quayside/delegate-broker/internal/store"
)

// delegateSelectorSet collects the lowercase selector values a delegate
// matches on: host name, group name, profile name and explicit tags.
func delegateSelectorSet(d *store.Delegate, profileName string) map[string]bool {
	set := make(map[string]bool, len(d.Tags)+3)
	add := func(v string) {
		if v != "" {
			set[strings.ToLower(v)] = true
		}
	}
	add(d.HostName)
	add(d.GroupName)
	add(profileName)
	for _, tag := range d.Tags {
		add(tag)
	}
	return set
}

// selectorsMatch reports whether every required selector is present in the
// delegate's selector set. Matching is case-insensitive, an empty requirement
// list matches everything.
func selectorsMatch(required []string, set map[string]bool) bool {
	for _, sel := range required {
		if !set[strings.ToLower(sel)] {
			return false
		}
	}
	return true
}

// scopeCovers reports whether the delegate scope entry covers the task
// scope: every field the entry declares must equal the task's.
func scopeCovers(entry, task store.SetupScope) bool {
	if entry.Application != "" && entry.Application != task.Application {
		return false
	}
	if entry.Environment != "" && entry.Environment != task.Environment {
		return false
	}
	if entry.Infrastructure != "" && entry.Infrastructure != task.Infrastructure {
		return false
	}
	return true
}

// scopePermits applies the delegate's include/exclude scope lists to the task
// scope. No include scopes means everything is included; any matching exclude
// scope wins over includes.
func scopePermits(d *store.Delegate, task store.SetupScope) bool {
	if task.IsEmpty() {
		return true
	}

	for _, ex := range d.ExcludeScopes {
		if !ex.IsEmpty() && scopeCovers(ex, task) {
			return false
		}
	}

	if len(d.IncludeScopes) == 0 {
		return true
	}
	for _, in := range d.IncludeScopes {
		if scopeCovers(in, task) {
			return true
		}
	}
	return false
}

// ScopeMatcher adapts the matching primitives to capability selection
// details. It satisfies the capability package's scope-checker port.
type ScopeMatcher struct{}

// InScope reports whether the delegate satisfies the capability's derived
// selector and scope constraints. Missing constraints default to permitted.
func (ScopeMatcher) InScope(d *store.Delegate, details *store.CapabilitySelectionDetails) bool {
	if details == nil {
		return true
	}
	if !selectorsMatch(details.TaskSelectors, delegateSelectorSet(d, "")) {
		return false
	}
	return scopePermits(d, details.Scope)
}
