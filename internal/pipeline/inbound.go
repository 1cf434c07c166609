package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
)

const (
	choicePrefix = "proxy_choice"
	// ChooserTag tags the proxy chooser message. Channel adapters derive it
	// from the button prefix as "<prefix>_message".
	ChooserTag = choicePrefix + "_message"

	lockMark = "🔒 "
)

// Inbound turns channel input into offers, answers commands and handles
// button pushes.
type Inbound struct {
	deps   Deps
	logger *slog.Logger
}

func (p *Inbound) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	switch e := ev.(type) {
	case event.InText:
		return one(event.Offer{Offer: domain.Offer{
			Identity: e.Sender.Identity(),
			Text:     e.Text,
		}}), nil
	case event.InCommand:
		return p.command(ctx, e)
	case event.InButton:
		return p.button(ctx, e)
	default:
		return nil, nil
	}
}

func (p *Inbound) command(ctx context.Context, e event.InCommand) ([]event.Event, error) {
	id := e.Sender.Identity()
	t := p.deps.Texts
	reply := func(text string) ([]event.Event, error) {
		return one(event.Reply(id, text, nil)), nil
	}

	switch e.Command {
	case "start":
		return reply(t.Greeting)
	case "help":
		return reply(t.Help)
	case "buy":
		return reply(t.Buy)
	case "clear":
		if err := p.deps.History.Clear(ctx, id); err != nil {
			return nil, err
		}
		return reply(t.Cleared)
	case "status":
		return p.status(ctx, id)
	case "set_proxy":
		return p.chooser(ctx, id)
	default:
		return reply(t.UnknownCommand)
	}
}

func (p *Inbound) status(ctx context.Context, id domain.Identity) ([]event.Event, error) {
	acc, err := p.deps.Access.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := p.deps.History.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf(p.deps.Texts.StatusFormat, p.currentProxy(ctx, id), acc.Daily, acc.Premium, c.Len())
	return one(event.Reply(id, text, nil)), nil
}

func (p *Inbound) currentProxy(ctx context.Context, id domain.Identity) string {
	name, err := p.deps.Preferences.ProxyName(ctx, id)
	if err == nil && name != "" {
		if _, err := p.deps.Registry.ByName(name); err == nil {
			return name
		}
	}
	if def, err := p.deps.Registry.Default(); err == nil {
		return def.Name()
	}
	return "-"
}

func (p *Inbound) chooser(ctx context.Context, id domain.Identity) ([]event.Event, error) {
	ready := p.deps.Registry.List(true)
	if len(ready) == 0 {
		return one(event.Reply(id, p.deps.Texts.NoReadyProxies, nil)), nil
	}
	acc, err := p.deps.Access.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(p.deps.Texts.ChooserHeader)
	buttons := make([][]domain.Button, 0, len(ready))
	for i, info := range ready {
		label := info.Name
		if info.Premium && acc.Premium == 0 {
			label = lockMark + label
		}
		fmt.Fprintf(&sb, "\n%d. %s - %s", i+1, label, info.Description)
		buttons = append(buttons, []domain.Button{{Text: label, Data: choicePrefix + " " + info.Name}})
	}

	r := event.Reply(id, sb.String(), buttons)
	r.SaveAs = ChooserTag
	r.PendingEdit = true
	return one(r), nil
}

func (p *Inbound) button(ctx context.Context, e event.InButton) ([]event.Event, error) {
	prefix, name, _ := strings.Cut(e.Data, " ")
	if prefix != choicePrefix {
		p.logger.Debug("ignoring unknown button", "data", e.Data)
		return nil, nil
	}
	id := e.Sender.Identity()
	t := p.deps.Texts
	edit := func(text string) ([]event.Event, error) {
		return one(event.EditMessage{Identity: id, Text: text, Tag: ChooserTag}), nil
	}

	px, err := p.deps.Registry.ByName(strings.TrimSpace(name))
	if errors.Is(err, domain.ErrNotFound) {
		return edit(t.ProxyUnavailable)
	}
	if err != nil {
		return nil, err
	}
	if px.Premium() {
		acc, err := p.deps.Access.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if acc.Premium == 0 {
			return edit(t.PremiumRequired)
		}
	}
	if err := p.deps.Preferences.SetProxyName(ctx, id, px.Name()); err != nil {
		return nil, err
	}
	return edit(fmt.Sprintf(t.ProxySelectedFormat, px.Name()))
}
