// Package bot routes inbound chat events to the dialog and freetext flows.
//
// The transport (long polling or webhooks) converts platform updates into
// Event values; the router serializes events per user, interprets commands
// and callback payloads, and dispatches to the flow layer.
package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/carquery/leadbot/internal/flow"
	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
)

// EventType discriminates inbound chat events.
type EventType string

// Inbound event types.
const (
	EventText     EventType = "text"
	EventCallback EventType = "callback"
	EventContact  EventType = "contact"
	EventPhoto    EventType = "photo"
)

// Event is one inbound chat update, normalized by the transport. The platform
// gateway delivers events either in process or as JSON over the events webhook.
type Event struct {
	Type EventType           `json:"type"`
	User models.PlatformUser `json:"user"`

	// Text carries the message text for EventText.
	Text string `json:"text,omitempty"`

	// CallbackID and Data carry the button press for EventCallback.
	CallbackID string `json:"callback_id,omitempty"`
	Data       string `json:"data,omitempty"`

	// Phone carries the shared contact for EventContact.
	Phone string `json:"phone,omitempty"`

	// PhotoID carries the platform file reference for EventPhoto.
	PhotoID string `json:"photo_id,omitempty"`
}

// Router dispatches normalized events to the flow layer. Events from the
// same user are handled one at a time; events from different users run
// concurrently.
type Router struct {
	msgr     messaging.Service
	engine   *flow.Engine
	freetext *flow.Freetext

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRouter creates a router over the dialog engine and the freetext flow.
func NewRouter(msgr messaging.Service, engine *flow.Engine, freetext *flow.Freetext) *Router {
	return &Router{
		msgr:     msgr,
		engine:   engine,
		freetext: freetext,
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing events for one user. Entries are
// never evicted, so the map holds one mutex per distinct user seen since
// startup.
func (r *Router) userLock(platformID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[platformID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[platformID] = l
	}
	return l
}

// HandleEvent processes one inbound event. A panic in a handler is logged
// and contained so one bad update cannot take the bot down.
func (r *Router) HandleEvent(ctx context.Context, ev Event) {
	l := r.userLock(ev.User.PlatformID)
	l.Lock()
	defer l.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Router.HandleEvent: recovered from panic", "panic", rec, "platformID", ev.User.PlatformID, "type", ev.Type)
		}
	}()

	var err error
	switch ev.Type {
	case EventText:
		err = r.handleText(ctx, ev)
	case EventCallback:
		err = r.handleCallback(ctx, ev)
	case EventContact:
		err = r.engine.HandleContact(ctx, ev.User, ev.Phone)
	case EventPhoto:
		err = r.engine.HandlePhoto(ctx, ev.User, ev.PhotoID)
	default:
		slog.Warn("Router.HandleEvent: unknown event type", "type", ev.Type)
	}
	if err != nil {
		slog.Error("Router.HandleEvent: handler failed", "error", err, "platformID", ev.User.PlatformID, "type", ev.Type)
	}
}

func (r *Router) handleText(ctx context.Context, ev Event) error {
	text := strings.TrimSpace(ev.Text)
	if strings.HasPrefix(text, "/") {
		return r.handleCommand(ctx, ev.User, text)
	}

	active, err := r.engine.Active(ctx, ev.User.PlatformID)
	if err != nil {
		return err
	}
	if active {
		return r.engine.HandleText(ctx, ev.User, text)
	}
	// Anything outside a dialog goes to the AI assistant.
	return r.freetext.HandleMessage(ctx, ev.User, text)
}

func (r *Router) handleCommand(ctx context.Context, user models.PlatformUser, text string) error {
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i >= 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start", "/menu":
		return r.showMenu(ctx, user)
	case "/help":
		return r.msgr.SendText(ctx, user.ChatID, flow.HelpText, flow.MainMenuKeyboard())
	default:
		slog.Debug("Router.handleCommand: unknown command", "command", cmd, "platformID", user.PlatformID)
		return r.showMenu(ctx, user)
	}
}

// showMenu shows the main menu, or a reset warning when a dialog is open.
func (r *Router) showMenu(ctx context.Context, user models.PlatformUser) error {
	dialogActive, err := r.engine.Active(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	chatActive, err := r.freetext.Active(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if dialogActive || chatActive {
		return r.msgr.SendText(ctx, user.ChatID, flow.ResetWarningText, flow.ResetConfirmKeyboard())
	}
	return r.msgr.SendText(ctx, user.ChatID, flow.WelcomeText, flow.MainMenuKeyboard())
}

func (r *Router) handleCallback(ctx context.Context, ev Event) error {
	if ev.CallbackID != "" {
		if err := r.msgr.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
			slog.Warn("Router.handleCallback: failed to answer callback", "error", err)
		}
	}

	action, arg, _ := strings.Cut(ev.Data, ":")
	user := ev.User
	switch action {
	case "service":
		if arg == "freetext" {
			if err := r.engine.Reset(ctx, user.PlatformID); err != nil {
				return err
			}
			return r.freetext.Enter(ctx, user)
		}
		service := models.ServiceType(arg)
		if _, ok := models.ServiceTypeLabels[service]; !ok {
			slog.Warn("Router.handleCallback: unknown service", "service", arg, "platformID", user.PlatformID)
			return nil
		}
		if err := r.freetext.Reset(ctx, user.PlatformID); err != nil {
			return err
		}
		return r.engine.Start(ctx, user, service)

	case "step":
		stepKey, value, ok := strings.Cut(arg, ":")
		if !ok {
			slog.Warn("Router.handleCallback: malformed step payload", "data", ev.Data)
			return nil
		}
		return r.engine.HandleChoice(ctx, user, stepKey, value)

	case "nav":
		switch arg {
		case "back":
			return r.engine.Back(ctx, user)
		case "skip":
			return r.engine.Skip(ctx, user)
		case "home":
			return r.resetAll(ctx, user)
		}

	case "confirm":
		switch arg {
		case "send":
			return r.engine.ConfirmSend(ctx, user)
		case "edit":
			return r.engine.ConfirmEdit(ctx, user)
		case "cancel":
			return r.engine.ConfirmCancel(ctx, user)
		}

	case "edit_field":
		return r.engine.EditField(ctx, user, arg)

	case "ai_suggest":
		service := models.ServiceType(arg)
		if _, ok := models.ServiceTypeLabels[service]; !ok {
			slog.Warn("Router.handleCallback: unknown suggested service", "service", arg)
			return nil
		}
		if err := r.freetext.AcceptSuggestion(ctx, user, service); err != nil {
			return err
		}
		return r.engine.Start(ctx, user, service)

	case "confirm_reset":
		switch arg {
		case "yes":
			return r.resetAll(ctx, user)
		case "no":
			return r.msgr.SendText(ctx, user.ChatID, "Хорошо, продолжаем 👍", nil)
		}
	}

	slog.Debug("Router.handleCallback: unhandled callback", "data", ev.Data, "platformID", ev.User.PlatformID)
	return nil
}

// resetAll abandons both flows and shows the main menu.
func (r *Router) resetAll(ctx context.Context, user models.PlatformUser) error {
	if err := r.engine.Reset(ctx, user.PlatformID); err != nil {
		return err
	}
	if err := r.freetext.Reset(ctx, user.PlatformID); err != nil {
		return err
	}
	return r.msgr.SendText(ctx, user.ChatID, flow.WelcomeText, flow.MainMenuKeyboard())
}
