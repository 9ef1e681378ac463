// Package detector scans page content for live-broadcast markers and emits
// edge-triggered presence events. Markers are checked in priority order and
// the first match wins; repeated scans with unchanged presence emit nothing.
package detector

import (
	"strings"
	"sync"
)

// DefaultMarkers is the ordered marker list for the X Spaces dock, highest
// priority first.
var DefaultMarkers = []string{
	"#SpaceDockExpanded",
	"#space-gradient",
	`[data-testid="SpaceDockExpanded"]`,
	".live",
	".space",
}

// Kind distinguishes the two presence transitions.
type Kind int

const (
	Appeared Kind = iota
	Disappeared
)

func (k Kind) String() string {
	if k == Appeared {
		return "appeared"
	}
	return "disappeared"
}

// Event is one presence transition. Marker carries the matched marker on
// Appeared and is empty on Disappeared.
type Event struct {
	Kind   Kind
	Marker string
}

// Detector tracks broadcast presence across successive content scans.
type Detector struct {
	markers []string

	mu     sync.Mutex
	active bool
}

// New builds a detector over the given markers; with none it uses
// DefaultMarkers.
func New(markers ...string) *Detector {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return &Detector{markers: markers}
}

// Scan checks the content snapshot against the marker list and returns an
// event only on a genuine transition. It is safe to call from the watch loop
// on every mutation.
func (d *Detector) Scan(content string) (Event, bool) {
	matched := ""
	for _, m := range d.markers {
		if markerPresent(content, m) {
			matched = m
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if matched != "" {
		if d.active {
			return Event{}, false
		}
		d.active = true
		return Event{Kind: Appeared, Marker: matched}, true
	}
	if !d.active {
		return Event{}, false
	}
	d.active = false
	return Event{Kind: Disappeared}, true
}

// Active reports the current presence state.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// markerPresent matches a selector-shaped marker against raw markup. Only the
// three selector forms in the marker list are understood: #id, .class, and
// [attr="value"]. Anything else is matched as a literal substring.
func markerPresent(content, marker string) bool {
	switch {
	case strings.HasPrefix(marker, "#"):
		return strings.Contains(content, `id="`+marker[1:]+`"`)
	case strings.HasPrefix(marker, "[") && strings.HasSuffix(marker, "]"):
		return strings.Contains(content, strings.Trim(marker, "[]"))
	case strings.HasPrefix(marker, "."):
		return classPresent(content, marker[1:])
	default:
		return strings.Contains(content, marker)
	}
}

// classPresent looks for the class name as a whole token inside any class
// attribute, so ".live" does not match class="alive".
func classPresent(content, class string) bool {
	rest := content
	for {
		i := strings.Index(rest, `class="`)
		if i < 0 {
			return false
		}
		rest = rest[i+len(`class="`):]
		j := strings.IndexByte(rest, '"')
		if j < 0 {
			return false
		}
		for _, tok := range strings.Fields(rest[:j]) {
			if tok == class {
				return true
			}
		}
		rest = rest[j+1:]
	}
}
