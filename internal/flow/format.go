package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carquery/leadbot/internal/models"
)

// FieldLabels maps step keys to the labels shown on confirmation screens and
// in CRM notes.
var FieldLabels = map[string]string{
	"car_brand":        "Марка/Модель",
	"year":             "Год",
	"mileage":          "Пробег",
	"price":            "Цена",
	"photos":           "Фото",
	"name":             "Имя",
	"phone":            "Телефон",
	"comment":          "Комментарий",
	"budget":           "Бюджет",
	"year_from":        "Год от",
	"transmission":     "Коробка передач",
	"drive":            "Привод",
	"purpose":          "Цель",
	"brand_preference": "Предпочтения по марке",
	"body_type":        "Тип кузова",
	"check_type":       "Тип проверки",
	"vin":              "VIN / Госномер",
	"question_type":    "Тип вопроса",
	"description":      "Описание",
}

// decodePhotos parses the JSON-encoded photo list stored under a photos step.
func decodePhotos(value string) []string {
	if value == "" {
		return nil
	}
	var photos []string
	if err := json.Unmarshal([]byte(value), &photos); err != nil {
		return nil
	}
	return photos
}

// fieldDisplayValue renders one collected value for humans. Photo lists show
// the count instead of raw file ids.
func fieldDisplayValue(form *Form, key, value string) string {
	if i := form.StepIndex(key); i >= 0 && form.Step(i).Kind == StepPhotos {
		return fmt.Sprintf("%d шт.", len(decodePhotos(value)))
	}
	return value
}

// FormatConfirmation renders the confirmation screen for collected form data,
// in step order.
func FormatConfirmation(form *Form, data map[string]string) string {
	var lines []string
	lines = append(lines, "Ваша заявка:\n")
	lines = append(lines, fmt.Sprintf("Услуга: %s", models.ServiceTypeLabels[form.Service]))

	for i := range form.Steps {
		step := form.Step(i)
		value, ok := data[step.Key]
		if !ok || value == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", step.DisplayLabel(), fieldDisplayValue(form, step.Key, value)))
	}

	lines = append(lines, "\nВсё верно?")
	return strings.Join(lines, "\n")
}

// FormatLeadTitle renders the CRM lead name: service, brand and client name
// joined with dashes. Missing parts are omitted.
func FormatLeadTitle(service models.ServiceType, data map[string]string) string {
	parts := []string{models.ServiceTypeLabels[service]}
	if brand := data["car_brand"]; brand != "" {
		parts = append(parts, brand)
	}
	if name := data["name"]; name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, " - ")
}

// FormatLeadNote renders the full answer set plus chat metadata for the CRM
// note attached to a lead.
func FormatLeadNote(service models.ServiceType, data map[string]string, user models.PlatformUser) string {
	form := Forms()[service]

	var lines []string
	lines = append(lines, fmt.Sprintf("Услуга: %s", models.ServiceTypeLabels[service]))
	lines = append(lines, "")

	appendField := func(key, value string) {
		label, ok := FieldLabels[key]
		if !ok {
			label = key
		}
		if form != nil {
			if i := form.StepIndex(key); i >= 0 && form.Step(i).Kind == StepPhotos {
				photos := decodePhotos(value)
				lines = append(lines, fmt.Sprintf("%s: %d шт.", label, len(photos)))
				for n, fileID := range photos {
					lines = append(lines, fmt.Sprintf("  Фото %d: %s", n+1, fileID))
				}
				return
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, value))
	}

	if form != nil {
		for i := range form.Steps {
			step := form.Step(i)
			if value := data[step.Key]; value != "" {
				appendField(step.Key, value)
			}
		}
	} else {
		for key, value := range data {
			if value != "" {
				appendField(key, value)
			}
		}
	}

	lines = append(lines, "")
	lines = append(lines, "--- Метаданные ---")
	lines = append(lines, fmt.Sprintf("ID клиента: %s", user.PlatformID))
	if user.Username != "" {
		lines = append(lines, fmt.Sprintf("Username: @%s", user.Username))
	}

	return strings.Join(lines, "\n")
}
