package genai

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/carquery/leadbot/internal/models"
)

// classifierSystemPrompt instructs the model to emit a single JSON object.
const classifierSystemPrompt = `Ты — ассистент автосервисной компании CarQuery. Определи намерение клиента и извлеки сущности из его сообщения.

Возможные намерения:
- sell: клиент хочет продать свой автомобиль
- buy: клиент хочет купить автомобиль из наличия
- find: клиент хочет подобрать автомобиль под заказ
- check: клиент хочет проверить автомобиль перед покупкой
- legal: клиенту нужна юридическая помощь по автомобилю
- faq: общий вопрос о компании или услугах
- unknown: намерение неясно

Сущности (если упомянуты): brand, year, mileage, budget.

Ответь строго одним JSON-объектом без пояснений:
{"intent": "...", "confidence": 0.0, "entities": {"brand": null, "year": null, "mileage": null, "budget": null}, "reply": "короткий дружелюбный ответ на русском"}`

// maxRawReplyLength caps how much of an undecodable response is kept as the
// conversational reply, counted in characters.
const maxRawReplyLength = 200

// rawClassification mirrors the JSON shape the model is instructed to emit.
type rawClassification struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reply      string         `json:"reply"`
}

// parseClassification decodes a model response into a classification result.
// Markdown code fences around the JSON payload are tolerated. A payload that
// cannot be decoded yields an empty-intent result so the caller escalates,
// keeping the start of the raw text as the reply since the model sometimes
// answers in plain prose instead of JSON.
func parseClassification(raw, model string) models.AIClassification {
	cleaned := stripCodeFences(raw)

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var parsed rawClassification
	if err := dec.Decode(&parsed); err != nil {
		slog.Warn("GenAI response was not valid JSON", "error", err, "model", model)
		return models.AIClassification{
			Reply:     truncateRunes(cleaned, maxRawReplyLength),
			ModelUsed: model,
		}
	}

	entities := make(map[string]string)
	for key, value := range parsed.Entities {
		switch v := value.(type) {
		case string:
			if v != "" {
				entities[key] = v
			}
		case json.Number:
			entities[key] = v.String()
		}
	}

	return models.AIClassification{
		Intent:     parsed.Intent,
		Confidence: parsed.Confidence,
		Entities:   entities,
		Reply:      parsed.Reply,
		ModelUsed:  model,
	}
}

// stripCodeFences removes markdown fence lines wrapping a JSON payload.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	var kept []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
