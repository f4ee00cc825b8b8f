// Package identity defines the closed set of subjects the classifier can predict.
package identity

import "fmt"

// Identity is a subject label such as "007".
type Identity string

// DefaultCount is the number of enrolled subjects the shipped model was trained on.
const DefaultCount = 41

// Labels returns the ordered class labels "001".."NNN" for a model with n outputs.
// Index i of the model output maps to Labels(n)[i].
func Labels(n int) []Identity {
	labels := make([]Identity, n)
	for i := range labels {
		labels[i] = Identity(fmt.Sprintf("%03d", i+1))
	}
	return labels
}

// Set is an immutable ordered label list.
type Set struct {
	labels []Identity
}

// NewSet copies labels in model output order.
func NewSet(labels []Identity) *Set {
	return &Set{labels: append([]Identity(nil), labels...)}
}

// Len is the number of classes.
func (s *Set) Len() int { return len(s.labels) }

// At returns the label for class id, or false when id is out of range.
func (s *Set) At(id int) (Identity, bool) {
	if id < 0 || id >= len(s.labels) {
		return "", false
	}
	return s.labels[id], true
}
