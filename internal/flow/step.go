package flow

import (
	"github.com/carquery/leadbot/internal/models"
)

// StepKind determines what input a dialog step accepts.
type StepKind int

// Step kinds.
const (
	StepText StepKind = iota
	StepChoice
	StepPhone
	StepPhotos
)

// Sentinel callback values shared by all forms.
const (
	// choiceCustom is the callback value of a "type your own" button.
	choiceCustom = "__custom__"
	// choiceAccept is the callback value of the prefill accept button.
	choiceAccept = "__accept__"
	// choiceDone finishes a photo upload step.
	choiceDone = "done"
)

// Choice is one inline button option of a step.
type Choice struct {
	Label string
	Value string
}

// StepConfig describes one step of a dialog form.
type StepConfig struct {
	// Key is the data key the answer is stored under.
	Key string
	// Prompt is the question shown when the step becomes active.
	Prompt string
	Kind   StepKind
	// Required steps cannot be skipped.
	Required bool
	// Choices are inline buttons. Choice steps need them; text steps may
	// offer them as shortcuts.
	Choices []Choice
	// Columns is the number of choice buttons per keyboard row. Zero means 2.
	Columns int
	// CustomPrompt, when set, adds typed input to a choice step. It is shown
	// after the user taps the custom option.
	CustomPrompt string
	// Validate normalizes typed input. A false return rejects the input and
	// ErrorText is shown instead of advancing.
	Validate  func(string) (string, bool)
	ErrorText string
	// Label is the human-readable field name used on the confirmation screen.
	// Empty falls back to FieldLabels.
	Label string
}

// DisplayLabel returns the label shown to users for this step's field.
func (s *StepConfig) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	if label, ok := FieldLabels[s.Key]; ok {
		return label
	}
	return s.Key
}

// Form is an ordered list of steps for one service type.
type Form struct {
	Service models.ServiceType
	Steps   []StepConfig
	// EntityPrefill maps AI entity keys to this form's step keys.
	EntityPrefill map[string]string
}

// StepIndex returns the position of the step with the given key, or -1.
func (f *Form) StepIndex(key string) int {
	for i := range f.Steps {
		if f.Steps[i].Key == key {
			return i
		}
	}
	return -1
}

// Step returns the step at position i.
func (f *Form) Step(i int) *StepConfig {
	return &f.Steps[i]
}
