// Package template implements placeholder substitution for stored email
// templates. Rendering is a plain per-key string replacement: no engine,
// no escaping, no control flow.
package template

import "strings"

// Render substitutes every occurrence of {{key}} in content with the value
// from variables. Placeholders with no matching key are left untouched so
// that templates can declare variables ahead of the code that supplies them.
func Render(content string, variables map[string]string) string {
	for key, value := range variables {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content
}

// MissingVariables returns the names from required that have no entry in
// variables, preserving the order of required. An empty result means the
// variables map satisfies the template.
func MissingVariables(required []string, variables map[string]string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
