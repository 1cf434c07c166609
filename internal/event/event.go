// Package event defines the closed set of events processors exchange over the
// bus. Only this package can add variants: Event carries an unexported method.
package event

import "github.com/fizteh95/tg-gpt-proxy/internal/domain"

// Event is implemented by every variant below and nothing else.
type Event interface {
	Kind() string
	isEvent()
}

// --- Inbound ---

// InText is free text received from a channel.
type InText struct {
	Sender domain.Sender
	Text   string
}

// InCommand is a slash command without the leading slash.
type InCommand struct {
	Sender  domain.Sender
	Command string
	Args    string
}

// InButton is a push on a previously rendered button.
type InButton struct {
	Sender domain.Sender
	Data   string
}

// --- Workflow ---

type Offer struct {
	Offer domain.Offer
}

type Accepted struct {
	Offer domain.Offer
}

type Declined struct {
	Offer  domain.Offer
	Reason string
}

type NeedContext struct {
	Offer domain.Offer
}

// ReadyToPredict carries the resolved conversation. Saved is set when a
// user turn was persisted for this request and must be undone on failure.
type ReadyToPredict struct {
	Offer   domain.Offer
	Context domain.Context
	Saved   *domain.ContextChange
}

type ProxyBound struct {
	Proxy domain.Proxy
	Ready ReadyToPredict
}

type PredictionResult struct {
	Offer domain.Offer
	Text  string
	Proxy string
}

type NeedContextSave struct {
	Result PredictionResult
}

type GenericResult struct {
	Offer domain.Offer
	Text  string
}

// --- Outbound ---

// Outcome tells request/response channels how a Response came about.
type Outcome int

const (
	OutcomeReply Outcome = iota
	OutcomeDeclined
	OutcomeFailed
)

// Response is a reply for a channel sender. SaveAs tags the delivered message
// so it can be found again; PendingEdit and PendingDelete mark it for cleanup
// when the user moves on without pushing a button.
type Response struct {
	Identity      domain.Identity
	Text          string
	Buttons       [][]domain.Button
	SaveAs        string
	PendingEdit   bool
	PendingDelete bool
	RequestID     string
	Outcome       Outcome
}

// EditMessage replaces the text of the latest message saved under Tag.
type EditMessage struct {
	Identity domain.Identity
	Text     string
	Buttons  [][]domain.Button
	Tag      string
}

type DeleteMessage struct {
	Identity    domain.Identity
	DeliveredID string
}

type Typing struct {
	Identity domain.Identity
}

// --- Proxy lifecycle ---

type ProxyReadinessChanged struct {
	Name   string
	Ready  bool
	Reason string
}

func (InText) Kind() string { return "in.text" }
func (InCommand) Kind() string { return "in.command" }
func (InButton) Kind() string { return "in.button" }
func (Offer) Kind() string { return "offer" }
func (Accepted) Kind() string { return "offer.accepted" }
func (Declined) Kind() string { return "offer.declined" }
func (NeedContext) Kind() string { return "context.need" }
func (ReadyToPredict) Kind() string { return "predict.ready" }
func (ProxyBound) Kind() string { return "predict.bound" }
func (PredictionResult) Kind() string { return "predict.result" }
func (NeedContextSave) Kind() string { return "context.save" }
func (GenericResult) Kind() string { return "result" }
func (Response) Kind() string { return "out.response" }
func (EditMessage) Kind() string { return "out.edit" }
func (DeleteMessage) Kind() string { return "out.delete" }
func (Typing) Kind() string { return "out.typing" }
func (ProxyReadinessChanged) Kind() string { return "proxy.readiness" }

func (InText) isEvent() {}
func (InCommand) isEvent() {}
func (InButton) isEvent() {}
func (Offer) isEvent() {}
func (Accepted) isEvent() {}
func (Declined) isEvent() {}
func (NeedContext) isEvent() {}
func (ReadyToPredict) isEvent() {}
func (ProxyBound) isEvent() {}
func (PredictionResult) isEvent() {}
func (NeedContextSave) isEvent() {}
func (GenericResult) isEvent() {}
func (Response) isEvent() {}
func (EditMessage) isEvent() {}
func (DeleteMessage) isEvent() {}
func (Typing) isEvent() {}
func (ProxyReadinessChanged) isEvent() {}

// Reply builds a Response with a copied button grid.
func Reply(id domain.Identity, text string, buttons [][]domain.Button) Response {
	return Response{Identity: id, Text: text, Buttons: domain.CloneButtons(buttons)}
}

// Outbound reports whether ev is destined for a channel sender.
func Outbound(ev Event) bool {
	switch ev.(type) {
	case Response, EditMessage, DeleteMessage, Typing:
		return true
	default:
		return false
	}
}

// TargetOf returns the identity an outbound event is addressed to.
func TargetOf(ev Event) (domain.Identity, bool) {
	switch e := ev.(type) {
	case Response:
		return e.Identity, true
	case EditMessage:
		return e.Identity, true
	case DeleteMessage:
		return e.Identity, true
	case Typing:
		return e.Identity, true
	default:
		return domain.Identity{}, false
	}
}
