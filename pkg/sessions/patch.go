package sessions

import "time"

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title           *string    `json:"title,omitempty"`
	Status          *Status    `json:"status,omitempty"`
	Type            *string    `json:"type,omitempty"`
	Platform        *string    `json:"platform,omitempty"`
	Speakers        *[]string  `json:"speakers,omitempty"`
	IsSharedWithMe  *bool      `json:"is_shared_with_me,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	WordCount       *int       `json:"word_count,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// StatusPatch returns a patch that only changes the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// TitlePatch returns a patch that only changes the title.
func TitlePatch(title string) Patch {
	return Patch{Title: &title}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Status == nil && p.Type == nil && p.Platform == nil &&
		p.Speakers == nil && p.IsSharedWithMe == nil && p.DurationSeconds == nil &&
		p.WordCount == nil && p.UpdatedAt == nil
}

// Apply returns a copy of r with the patch merged in.
func (p Patch) Apply(r SessionRecord) SessionRecord {
	out := r.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Platform != nil {
		out.Platform = *p.Platform
	}
	if p.Speakers != nil {
		out.Speakers = append([]string(nil), (*p.Speakers)...)
	}
	if p.IsSharedWithMe != nil {
		out.IsSharedWithMe = *p.IsSharedWithMe
	}
	if p.DurationSeconds != nil {
		out.DurationSeconds = *p.DurationSeconds
	}
	if p.WordCount != nil {
		out.WordCount = *p.WordCount
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}
