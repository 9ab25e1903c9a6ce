package filter

import "github.com/go-go-golems/sessionsync/pkg/sessions"

// Action is what a view should do with a record reported by the push channel.
type Action int

const (
	// ActionIgnore leaves the view untouched.
	ActionIgnore Action = iota
	// ActionPatch replaces the visible record in place.
	ActionPatch
	// ActionRemove drops a record that no longer matches the view.
	ActionRemove
	// ActionInsert adds a record that newly matches the view, subject to CanInsert.
	ActionInsert
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionPatch:
		return "patch"
	case ActionRemove:
		return "remove"
	case ActionInsert:
		return "insert"
	}
	return "unknown"
}

// Classify decides what to do with r given whether it is currently visible.
func Classify(wasVisible bool, r sessions.SessionRecord, f sessions.FilterState) Action {
	visible := ShouldBeVisible(r, f)
	switch {
	case wasVisible && visible:
		return ActionPatch
	case wasVisible && !visible:
		return ActionRemove
	case !wasVisible && visible:
		return ActionInsert
	}
	return ActionIgnore
}

// Position describes where the view sits in the paginated list.
type Position struct {
	Offset int
	// Extended is set once more pages were appended to the first one.
	Extended bool
}

// CanInsert reports whether a newly matching record may be inserted live. Only the first,
// unextended page accepts insertions; anything else would shift offset-based pagination.
func CanInsert(p Position) bool {
	return p.Offset == 0 && !p.Extended
}
