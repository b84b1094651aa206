// Package form holds the client side of an entity form: the outgoing JSON
// payload, the image field's session through resize and crop, and a flat
// view of arbitrary records for the admin screens.
package form

import "sort"

// Payload is the JSON body of a create or update request.
type Payload map[string]any

// Attach sets field to the serialized image. An empty dataURL clears it.
func (p Payload) Attach(field, dataURL string) {
	if dataURL == "" {
		delete(p, field)
		return
	}
	p[field] = dataURL
}

// Set assigns a plain form value.
func (p Payload) Set(field string, v any) { p[field] = v }

// String returns field as a string, or "" when unset or not a string.
func (p Payload) String(field string) string {
	s, _ := p[field].(string)
	return s
}

// Fields returns the payload keys in sorted order.
func (p Payload) Fields() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
