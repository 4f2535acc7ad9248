package classify

import (
	"context"
	"errors"
	"strings"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Raw is an unclassified failure. Kind may be empty.
type Raw struct {
	Kind    Kind
	Message string
	Details string
}

// Error is a classified failure
type Error struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	Catastrophic bool   `json:"catastrophic"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Unwrap returns the raw cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// CountsAgainstBreaker reports whether this failure should be recorded by
// the circuit breaker. Caller mistakes never count.
func (e *Error) CountsAgainstBreaker() bool {
	return e.Catastrophic || e.Kind.SystemLevel()
}

// Classifier labels failures using signature tables
type Classifier struct {
	catastrophic []Signature
	kinds        []Signature
	generic      []string
}

// New creates a classifier with the default tables
func New() *Classifier {
	return &Classifier{
		catastrophic: append([]Signature(nil), CatastrophicSignatures...),
		kinds:        append([]Signature(nil), KindSignatures...),
		generic:      append([]string(nil), GenericFailureTerms...),
	}
}

// WithSignatures returns a copy of c extended with sigs. Catastrophic
// signatures are checked before the built-in ones.
func (c *Classifier) WithSignatures(sigs ...Signature) *Classifier {
	next := &Classifier{
		kinds:   append([]Signature(nil), c.kinds...),
		generic: append([]string(nil), c.generic...),
	}

	var extraCatastrophic, extraKinds []Signature
	for _, sig := range sigs {
		sig.Term = strings.ToLower(sig.Term)
		if sig.Catastrophic {
			extraCatastrophic = append(extraCatastrophic, sig)
		} else {
			extraKinds = append(extraKinds, sig)
		}
	}

	next.catastrophic = append(extraCatastrophic, c.catastrophic...)
	next.kinds = append(extraKinds, next.kinds...)
	return next
}

// Classify labels a raw failure. It is pure and total.
func (c *Classifier) Classify(raw Raw) *Error {
	text := strings.ToLower(raw.Message + " " + raw.Details)
	kind := raw.Kind

	catastrophic := false
	for _, sig := range c.catastrophic {
		if strings.Contains(text, sig.Term) {
			catastrophic = true
			if kind == "" && sig.Kind != "" {
				kind = sig.Kind
			}
			break
		}
	}

	if kind == "" {
		kind = c.inferKind(text)
	}

	if kind == KindUnknown {
		catastrophic = true
	}
	if kind == KindThreading && c.containsGeneric(text) {
		catastrophic = true
	}

	message := raw.Message
	if message == "" {
		message = "compute engine failure"
	}

	return &Error{
		Kind:         kind,
		Message:      message,
		Details:      raw.Details,
		Catastrophic: catastrophic,
	}
}

// ClassifyError labels a Go error. Already classified errors are returned
// unchanged; structured engine errors are mapped by code before falling back
// to the signature tables.
func (c *Classifier) ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindProcessing, Message: err.Error(), cause: err}
	}

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		out := c.Classify(Raw{
			Kind:    kindForCode(engErr.Code),
			Message: engErr.Error(),
		})
		switch engErr.Code {
		case engine.CodePanic, engine.CodeOutOfMemory:
			out.Catastrophic = true
		case engine.CodeInvalidInput, engine.CodeUnsupported, engine.CodeNotLoaded:
			// Caller mistakes stay non-catastrophic even if the text mentions a signature.
			out.Catastrophic = false
		}
		out.cause = err
		return out
	}

	out := c.Classify(Raw{Message: err.Error()})
	out.cause = err
	return out
}

func (c *Classifier) inferKind(text string) Kind {
	for _, sig := range c.kinds {
		if sig.Kind != "" && strings.Contains(text, sig.Term) {
			return sig.Kind
		}
	}
	return KindUnknown
}

func (c *Classifier) containsGeneric(text string) bool {
	for _, term := range c.generic {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func kindForCode(code engine.Code) Kind {
	switch code {
	case engine.CodeInvalidInput, engine.CodeUnsupported, engine.CodeNotLoaded:
		return KindConfig
	case engine.CodeProcessing:
		return KindProcessing
	case engine.CodeOutOfMemory:
		return KindMemory
	case engine.CodeThreading:
		return KindThreading
	default:
		return KindUnknown
	}
}

var defaultClassifier = New()

// Classify labels raw with the default tables
func Classify(raw Raw) *Error {
	return defaultClassifier.Classify(raw)
}

// ClassifyError labels err with the default tables
func ClassifyError(err error) *Error {
	return defaultClassifier.ClassifyError(err)
}
