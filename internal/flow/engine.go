package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/util"
)

// confirmStep is the state suffix marking the confirmation screen.
const confirmStep = "__confirm__"

// User-facing dialog texts.
const (
	SuccessText = "✅ Спасибо! Ваша заявка принята.\n\n" +
		"Наш менеджер свяжется с вами в ближайшее время.\n" +
		"Если у вас появятся вопросы — нажмите /start"

	acceptedWithErrorText = "Спасибо! Ваша заявка принята, но возникла техническая ошибка " +
		"при отправке. Мы сохранили её и обработаем в ближайшее время.\n\n" +
		"Если у вас появятся вопросы — нажмите /start"

	invalidPhoneText = "Неверный формат телефона. Введите номер в формате " +
		"+7XXXXXXXXXX или поделитесь контактом."

	editFieldPromptText = "Выберите поле для редактирования:"
)

// Engine drives the multi-step form dialogs. Every user interaction results
// in exactly one outgoing message.
type Engine struct {
	states    StateManager
	msgr      messaging.Service
	submitter Submitter
	forms     map[models.ServiceType]*Form
}

// NewEngine creates a dialog engine over the given state manager, message
// service and lead submitter.
func NewEngine(states StateManager, msgr messaging.Service, submitter Submitter) *Engine {
	return &Engine{
		states:    states,
		msgr:      msgr,
		submitter: submitter,
		forms:     Forms(),
	}
}

// dialogState encodes the conversation cursor as "{service}:{stepKey}".
func dialogState(service models.ServiceType, stepKey string) models.StateType {
	return models.StateType(string(service) + ":" + stepKey)
}

// parseDialogState splits a state back into its service and step key.
func parseDialogState(state models.StateType) (models.ServiceType, string, bool) {
	service, stepKey, found := strings.Cut(string(state), ":")
	if !found {
		return "", "", false
	}
	return models.ServiceType(service), stepKey, true
}

// Active reports whether the participant has a dialog in progress.
func (e *Engine) Active(ctx context.Context, platformID string) (bool, error) {
	state, err := e.states.GetCurrentState(ctx, platformID, models.FlowTypeDialog)
	if err != nil {
		return false, err
	}
	return state != "", nil
}

// Reset abandons any dialog in progress.
func (e *Engine) Reset(ctx context.Context, platformID string) error {
	return e.states.ResetState(ctx, platformID, models.FlowTypeDialog)
}

// Start begins the form for a service. Non-internal data already present in
// the dialog state (AI prefill) survives the restart and is offered step by
// step for acceptance.
func (e *Engine) Start(ctx context.Context, user models.PlatformUser, service models.ServiceType) error {
	form, ok := e.forms[service]
	if !ok {
		return fmt.Errorf("unknown service type %s", service)
	}
	slog.Debug("Dialog starting", "platformID", user.PlatformID, "service", service)

	existing, err := e.states.GetAllStateData(ctx, user.PlatformID, models.FlowTypeDialog)
	if err != nil {
		return err
	}
	if err := e.states.ResetState(ctx, user.PlatformID, models.FlowTypeDialog); err != nil {
		return err
	}
	for key, value := range existing {
		if strings.HasPrefix(string(key), models.InternalKeyPrefix) {
			continue
		}
		if form.StepIndex(string(key)) < 0 {
			continue
		}
		if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, key, value); err != nil {
			return err
		}
	}

	return e.sendStep(ctx, user, form, 0)
}

// current resolves the participant's active form and step index. A negative
// index means the confirmation screen.
func (e *Engine) current(ctx context.Context, platformID string) (*Form, int, error) {
	state, err := e.states.GetCurrentState(ctx, platformID, models.FlowTypeDialog)
	if err != nil {
		return nil, 0, err
	}
	service, stepKey, ok := parseDialogState(state)
	if !ok {
		return nil, 0, fmt.Errorf("no dialog in progress")
	}
	form, ok := e.forms[service]
	if !ok {
		return nil, 0, fmt.Errorf("unknown service type %s", service)
	}
	if stepKey == confirmStep {
		return form, -1, nil
	}
	idx := form.StepIndex(stepKey)
	if idx < 0 {
		return nil, 0, fmt.Errorf("unknown step %s in %s form", stepKey, service)
	}
	return form, idx, nil
}

// sendStep activates and prompts one step.
func (e *Engine) sendStep(ctx context.Context, user models.PlatformUser, form *Form, idx int) error {
	step := form.Step(idx)

	editing, err := e.states.GetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField)
	if err != nil {
		return err
	}
	prefilled, err := e.states.GetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKey(step.Key))
	if err != nil {
		return err
	}
	hasPrefill := prefilled != "" && editing == "" && (step.Kind == StepText || step.Kind == StepChoice)

	text := step.Prompt
	if hasPrefill {
		text += "\n\nТекущее значение: " + prefilled
	}

	keyboard := e.stepKeyboard(form, idx, hasPrefill)
	if err := e.states.SetCurrentState(ctx, user.PlatformID, models.FlowTypeDialog, dialogState(form.Service, step.Key)); err != nil {
		return err
	}
	return e.msgr.SendText(ctx, user.ChatID, text, keyboard)
}

// stepKeyboard builds the inline keyboard for a step: accept button for
// prefilled values, the step's choices, then the navigation row.
func (e *Engine) stepKeyboard(form *Form, idx int, hasPrefill bool) messaging.Keyboard {
	step := form.Step(idx)
	var keyboard messaging.Keyboard

	if hasPrefill {
		keyboard = append(keyboard, messaging.Row(
			messaging.Button{Label: "✅ Принять", Data: stepCallback(step.Key, choiceAccept)},
		))
	}

	if len(step.Choices) > 0 && (step.Kind == StepChoice || step.Kind == StepText) {
		columns := step.Columns
		if columns <= 0 {
			columns = 2
		}
		var row []messaging.Button
		for _, choice := range step.Choices {
			row = append(row, messaging.Button{Label: choice.Label, Data: stepCallback(step.Key, choice.Value)})
			if len(row) == columns {
				keyboard = append(keyboard, row)
				row = nil
			}
		}
		if len(row) > 0 {
			keyboard = append(keyboard, row)
		}
	}

	switch step.Kind {
	case StepPhotos:
		keyboard = append(keyboard, messaging.Row(
			messaging.Button{Label: "✅ Готово", Data: stepCallback(step.Key, choiceDone)},
		))
	case StepPhone:
		keyboard = append(keyboard, messaging.Row(
			messaging.Button{Label: "📱 Поделиться контактом", RequestContact: true},
		))
	}

	if nav := navRow(idx, step); len(nav) > 0 {
		keyboard = append(keyboard, nav)
	}
	return keyboard
}

func stepCallback(key, value string) string {
	return "step:" + key + ":" + value
}

// navRow builds the shared navigation buttons of a step.
func navRow(idx int, step *StepConfig) []messaging.Button {
	var row []messaging.Button
	if idx > 0 {
		row = append(row, messaging.Button{Label: "⬅️ Назад", Data: "nav:back"})
	}
	row = append(row, messaging.Button{Label: "🏠 В начало", Data: "nav:home"})
	if !step.Required {
		row = append(row, messaging.Button{Label: "⏭ Пропустить", Data: "nav:skip"})
	}
	return row
}

// HandleText processes a typed answer for the active step.
func (e *Engine) HandleText(ctx context.Context, user models.PlatformUser, text string) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 {
		// Typing on the confirmation screen re-shows it.
		return e.showConfirmation(ctx, user, form)
	}

	step := form.Step(idx)
	text = strings.TrimSpace(text)

	switch step.Kind {
	case StepPhone:
		phone, ok := util.NormalizePhone(text)
		if !ok {
			return e.msgr.SendText(ctx, user.ChatID, invalidPhoneText, nil)
		}
		return e.saveAndAdvance(ctx, user, form, idx, phone)

	case StepChoice:
		if step.CustomPrompt == "" {
			// Button-only step: point the user back at the buttons.
			return e.sendStep(ctx, user, form, idx)
		}
		return e.validateAndAdvance(ctx, user, form, idx, text)

	case StepPhotos:
		// Text during photo upload is ignored; repeat the instructions.
		return e.sendStep(ctx, user, form, idx)

	default:
		return e.validateAndAdvance(ctx, user, form, idx, text)
	}
}

func (e *Engine) validateAndAdvance(ctx context.Context, user models.PlatformUser, form *Form, idx int, text string) error {
	step := form.Step(idx)
	value := text
	if step.Validate != nil {
		normalized, ok := step.Validate(text)
		if !ok {
			errText := step.ErrorText
			if errText == "" {
				errText = defaultErrorText
			}
			return e.msgr.SendText(ctx, user.ChatID, errText, nil)
		}
		value = normalized
	}
	return e.saveAndAdvance(ctx, user, form, idx, value)
}

// HandleContact processes a shared contact on a phone step.
func (e *Engine) HandleContact(ctx context.Context, user models.PlatformUser, phoneNumber string) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 || form.Step(idx).Kind != StepPhone {
		return nil
	}
	phone, ok := util.NormalizePhone(phoneNumber)
	if !ok {
		return e.msgr.SendText(ctx, user.ChatID,
			"Не удалось обработать номер телефона. Попробуйте ввести вручную в формате +7XXXXXXXXXX.", nil)
	}
	return e.saveAndAdvance(ctx, user, form, idx, phone)
}

// HandlePhoto appends a photo on a photo upload step.
func (e *Engine) HandlePhoto(ctx context.Context, user models.PlatformUser, fileID string) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 || form.Step(idx).Kind != StepPhotos {
		return nil
	}
	step := form.Step(idx)

	stored, err := e.states.GetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKey(step.Key))
	if err != nil {
		return err
	}
	photos := append(decodePhotos(stored), fileID)
	encoded, err := json.Marshal(photos)
	if err != nil {
		return fmt.Errorf("failed to encode photo list: %w", err)
	}
	if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKey(step.Key), string(encoded)); err != nil {
		return err
	}

	return e.msgr.SendText(ctx, user.ChatID,
		fmt.Sprintf("Фото добавлено (%d шт.). Отправьте ещё или нажмите \"Готово\".", len(photos)), nil)
}

// HandleChoice processes a "step:{key}:{value}" button press. Presses for a
// step other than the active one are stale and ignored.
func (e *Engine) HandleChoice(ctx context.Context, user models.PlatformUser, stepKey, value string) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 || form.Step(idx).Key != stepKey {
		return nil
	}
	step := form.Step(idx)

	switch value {
	case choiceAccept:
		// Keep the prefilled value as-is.
		return e.advance(ctx, user, form, idx)

	case choiceCustom:
		if step.CustomPrompt == "" {
			return nil
		}
		keyboard := messaging.Keyboard{}
		if nav := navRow(idx, step); len(nav) > 0 {
			keyboard = append(keyboard, nav)
		}
		return e.msgr.SendText(ctx, user.ChatID, step.CustomPrompt, keyboard)

	case choiceDone:
		if step.Kind != StepPhotos {
			return nil
		}
		return e.advance(ctx, user, form, idx)
	}

	// Store the button label rather than its raw value.
	display := value
	for _, choice := range step.Choices {
		if choice.Value == value {
			display = choice.Label
			break
		}
	}
	return e.saveAndAdvance(ctx, user, form, idx, display)
}

// Back returns to the previous step, or to the confirmation screen when a
// single field was being edited.
func (e *Engine) Back(ctx context.Context, user models.PlatformUser) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 {
		return nil
	}

	editing, err := e.states.GetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField)
	if err != nil {
		return err
	}
	if editing != "" {
		if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField, ""); err != nil {
			return err
		}
		return e.showConfirmation(ctx, user, form)
	}
	if idx == 0 {
		return nil
	}
	return e.sendStep(ctx, user, form, idx-1)
}

// Skip advances past an optional step without recording an answer.
func (e *Engine) Skip(ctx context.Context, user models.PlatformUser) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx < 0 || form.Step(idx).Required {
		return nil
	}
	return e.advance(ctx, user, form, idx)
}

func (e *Engine) saveAndAdvance(ctx context.Context, user models.PlatformUser, form *Form, idx int, value string) error {
	step := form.Step(idx)
	if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKey(step.Key), value); err != nil {
		return err
	}
	return e.advance(ctx, user, form, idx)
}

// advance moves to the next unanswered position: back to confirmation in
// edit mode, the next step otherwise, or confirmation after the last step.
func (e *Engine) advance(ctx context.Context, user models.PlatformUser, form *Form, idx int) error {
	editing, err := e.states.GetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField)
	if err != nil {
		return err
	}
	if editing != "" {
		if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField, ""); err != nil {
			return err
		}
		return e.showConfirmation(ctx, user, form)
	}

	next := idx + 1
	if next >= len(form.Steps) {
		return e.showConfirmation(ctx, user, form)
	}
	return e.sendStep(ctx, user, form, next)
}

// collectedData returns the user-facing answers, without internal keys.
func (e *Engine) collectedData(ctx context.Context, platformID string) (map[string]string, error) {
	raw, err := e.states.GetAllStateData(ctx, platformID, models.FlowTypeDialog)
	if err != nil {
		return nil, err
	}
	data := make(map[string]string)
	for key, value := range raw {
		if strings.HasPrefix(string(key), models.InternalKeyPrefix) || value == "" {
			continue
		}
		data[string(key)] = value
	}
	return data, nil
}

func (e *Engine) showConfirmation(ctx context.Context, user models.PlatformUser, form *Form) error {
	data, err := e.collectedData(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if err := e.states.SetCurrentState(ctx, user.PlatformID, models.FlowTypeDialog, dialogState(form.Service, confirmStep)); err != nil {
		return err
	}

	keyboard := messaging.Keyboard{
		messaging.Row(
			messaging.Button{Label: "✅ Отправить", Data: "confirm:send"},
			messaging.Button{Label: "✏️ Изменить", Data: "confirm:edit"},
		),
		messaging.Row(
			messaging.Button{Label: "❌ Отменить", Data: "confirm:cancel"},
		),
	}
	return e.msgr.SendText(ctx, user.ChatID, FormatConfirmation(form, data), keyboard)
}

// ConfirmSend submits the completed form to the pipeline and closes the
// dialog. The lead is durably stored either way, so the user always gets an
// acceptance message.
func (e *Engine) ConfirmSend(ctx context.Context, user models.PlatformUser) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}

	data, err := e.collectedData(ctx, user.PlatformID)
	if err != nil {
		return err
	}

	sent := e.submitter.Process(ctx, user, form.Service, data)

	if err := e.states.ResetState(ctx, user.PlatformID, models.FlowTypeDialog); err != nil {
		return err
	}
	if sent {
		return e.msgr.SendText(ctx, user.ChatID, SuccessText, nil)
	}
	return e.msgr.SendText(ctx, user.ChatID, acceptedWithErrorText, nil)
}

// ConfirmEdit shows the editable field list.
func (e *Engine) ConfirmEdit(ctx context.Context, user models.PlatformUser) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}

	data, err := e.collectedData(ctx, user.PlatformID)
	if err != nil {
		return err
	}

	var keyboard messaging.Keyboard
	for i := range form.Steps {
		step := form.Step(i)
		if _, filled := data[step.Key]; filled || step.Required {
			keyboard = append(keyboard, messaging.Row(
				messaging.Button{Label: step.DisplayLabel(), Data: "edit_field:" + step.Key},
			))
		}
	}
	keyboard = append(keyboard, messaging.Row(
		messaging.Button{Label: "⬅️ Назад к подтверждению", Data: "edit_field:back"},
	))
	return e.msgr.SendText(ctx, user.ChatID, editFieldPromptText, keyboard)
}

// ConfirmCancel abandons the dialog and returns to the main menu.
func (e *Engine) ConfirmCancel(ctx context.Context, user models.PlatformUser) error {
	if err := e.states.ResetState(ctx, user.PlatformID, models.FlowTypeDialog); err != nil {
		return err
	}
	return e.msgr.SendText(ctx, user.ChatID, WelcomeText, MainMenuKeyboard())
}

// EditField jumps to one step for re-entry, returning to confirmation after
// a valid answer. The "back" key returns to confirmation unchanged.
func (e *Engine) EditField(ctx context.Context, user models.PlatformUser, fieldKey string) error {
	form, idx, err := e.current(ctx, user.PlatformID)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}

	if fieldKey == "back" {
		return e.showConfirmation(ctx, user, form)
	}
	stepIdx := form.StepIndex(fieldKey)
	if stepIdx < 0 {
		return nil
	}
	if err := e.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKeyEditingField, fieldKey); err != nil {
		return err
	}
	return e.sendStep(ctx, user, form, stepIdx)
}
