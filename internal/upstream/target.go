package upstream

import "strings"

// TargetKind classifies a debuggable target.
type TargetKind string

const (
	TargetPage       TargetKind = "page"
	TargetBackground TargetKind = "background_page"
	TargetOther      TargetKind = "other"
)

// Target identifies one attachable debug target. Immutable once selected
// for a session.
type Target struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	URL   string     `json:"url"`
	Kind  TargetKind `json:"kind"`
}

// internalSchemes are URL prefixes we never attach to: debugger UIs and
// browser-internal pages are either disallowed or useless to instrument.
var internalSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-untrusted://",
	"devtools://",
	"edge://",
	"about:",
}

func isInternalURL(url string) bool {
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

// SelectTarget picks one target per attach attempt: the first page or
// background target with a non-internal URL, falling back to the first
// candidate overall. Returns false when candidates is empty.
func SelectTarget(candidates []Target) (Target, bool) {
	for _, t := range candidates {
		if (t.Kind == TargetPage || t.Kind == TargetBackground) && !isInternalURL(t.URL) {
			return t, true
		}
	}
	if len(candidates) == 0 {
		return Target{}, false
	}
	return candidates[0], true
}
