package diagnosis

import "strings"

// Delimiter separates the subject (plant) from the condition (disease) in a class label,
// eg "Tomato___Late_blight"
const Delimiter = "___"

// Healthy is the condition that we assume when a label has no condition part
const Healthy = "healthy"

// UnknownCondition is reported when a label has a subject, but we have no name for the condition
const UnknownCondition = "Unknown Disease"

// Label is a class label from the classifier, split into its two parts
type Label struct {
	Subject   string // eg "Tomato"
	Condition string // eg "Late_blight", or Healthy
}

// ParseLabel splits a label on the first occurrence of Delimiter.
// A label with no delimiter, or with nothing after the delimiter, is Healthy.
func ParseLabel(raw string) Label {
	subject, condition, _ := strings.Cut(raw, Delimiter)
	if condition == "" {
		condition = Healthy
	}
	return Label{
		Subject:   subject,
		Condition: condition,
	}
}

func (l Label) String() string {
	return l.Subject + Delimiter + l.Condition
}

func (l Label) IsHealthy() bool {
	return l.Condition == Healthy
}
