package domain

import "fmt"

// OfferShape is the branch an Offer resolves to before prediction.
type OfferShape int

const (
	ShapeInvalid OfferShape = iota
	// ShapeVerbatim: context supplied by the caller, no text, not one-hit.
	ShapeVerbatim
	// ShapeOneHit: text only, single ephemeral exchange.
	ShapeOneHit
	// ShapeStateful: text appended to the persisted conversation.
	ShapeStateful
)

func (s OfferShape) String() string {
	switch s {
	case ShapeVerbatim:
		return "verbatim"
	case ShapeOneHit:
		return "one_hit"
	case ShapeStateful:
		return "stateful"
	default:
		return "invalid"
	}
}

// Offer is a request to generate a reply for an identity. Text "" means
// absent; a nil or empty Context means absent.
type Offer struct {
	Identity  Identity
	Text      string
	Context   *Context
	OneHit    bool
	RequestID string
}

func (o Offer) hasText() bool    { return o.Text != "" }
func (o Offer) hasContext() bool { return o.Context != nil && !o.Context.Empty() }

// Shape classifies the offer. Exactly one branch must match; anything else
// is reported as ErrInvalidOffer.
func (o Offer) Shape() (OfferShape, error) {
	matches := make([]OfferShape, 0, 1)
	if o.hasContext() && !o.hasText() && !o.OneHit {
		matches = append(matches, ShapeVerbatim)
	}
	if o.hasText() && !o.hasContext() && o.OneHit {
		matches = append(matches, ShapeOneHit)
	}
	if o.hasText() && !o.OneHit {
		matches = append(matches, ShapeStateful)
	}
	if len(matches) != 1 {
		return ShapeInvalid, fmt.Errorf("%w: text=%t context=%t one_hit=%t matches=%d",
			ErrInvalidOffer, o.hasText(), o.hasContext(), o.OneHit, len(matches))
	}
	return matches[0], nil
}

// Persistent reports whether the pipeline owns the offer's conversation and
// must store the reply.
func (o Offer) Persistent() bool {
	shape, err := o.Shape()
	return err == nil && shape == ShapeStateful
}
