package types

import "strconv"

// Stored hashes use stringified numbers throughout so that a reader on any
// runtime can parse them. Booleans are "1"/"0".

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// legacyField reads the current field name first, then the legacy alias
// written by earlier deployments. Writers emit the current name only.
func legacyField(h map[string]string, name, alias string) string {
	if v, ok := h[name]; ok && v != "" {
		return v
	}
	return h[alias]
}
