package models

// TextField is a message text field after the compile step. Compiled holds
// the text with every placeholder resolvable at creation time already
// substituted; Runtime is non-empty only when Compiled still contains
// placeholders that need live (possibly server-only) context.
//
// The zero value is an empty, fully resolved field.
type TextField struct {
	Compiled string `json:"compiled"`
	Runtime  string `json:"runtime,omitempty"`
}

// ResolvedText returns a field whose text needs no further resolution.
func ResolvedText(s string) TextField {
	return TextField{Compiled: s}
}

// PartialText returns a field that still carries unresolved placeholders.
// The runtime template is the source to re-resolve from.
func PartialText(compiled, runtime string) TextField {
	return TextField{Compiled: compiled, Runtime: runtime}
}

// NeedsRuntime reports whether the field carries a runtime template, i.e.
// whether displaying it may require another resolution pass.
func (f TextField) NeedsRuntime() bool { return f.Runtime != "" }

// IsZero reports whether the field is entirely empty.
func (f TextField) IsZero() bool { return f.Compiled == "" && f.Runtime == "" }

// Or returns the compiled text, or fallback when the field is empty.
func (f TextField) Or(fallback string) string {
	if f.Compiled == "" {
		return fallback
	}
	return f.Compiled
}
