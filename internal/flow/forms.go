package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carquery/leadbot/internal/models"
)

// Prompts shared by several forms.
const (
	promptName  = "Как к вам обращаться?"
	promptPhone = "Укажите ваш номер телефона:"
)

const defaultErrorText = "Некорректный ввод. Попробуйте ещё раз."

// budgetChoices is the shared budget picker.
var budgetChoices = []Choice{
	{Label: "до 500 000", Value: "до 500 000"},
	{Label: "500 000 - 1 000 000", Value: "500 000 - 1 000 000"},
	{Label: "1 000 000 - 2 000 000", Value: "1 000 000 - 2 000 000"},
	{Label: "2 000 000 - 3 000 000", Value: "2 000 000 - 3 000 000"},
	{Label: "от 3 000 000", Value: "от 3 000 000"},
	{Label: "Указать свой", Value: choiceCustom},
}

// sellYearChoices lists the last count model years, newest first, plus an
// option for older cars.
func sellYearChoices(count int) []Choice {
	current := time.Now().Year()
	choices := make([]Choice, 0, count+1)
	for y := current + 1; y > current+1-count; y-- {
		choices = append(choices, Choice{Label: strconv.Itoa(y), Value: strconv.Itoa(y)})
	}
	choices = append(choices, Choice{Label: "Старше", Value: choiceCustom})
	return choices
}

// buyYearChoices lists minimum model years for the buy form, with wider gaps
// further back.
func buyYearChoices() []Choice {
	current := time.Now().Year()
	years := []int{current + 1, current, current - 1, current - 2, current - 3, current - 5, current - 8}
	choices := make([]Choice, 0, len(years)+2)
	for _, y := range years {
		choices = append(choices, Choice{Label: strconv.Itoa(y), Value: strconv.Itoa(y)})
	}
	choices = append(choices,
		Choice{Label: "Любой", Value: "Любой"},
		Choice{Label: "Другой", Value: choiceCustom},
	)
	return choices
}

// groupDigits renders a non-negative integer with space-separated thousands.
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// validateMileage accepts a kilometer reading with optional spacing and unit.
func validateMileage(text string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", "км", "", "km", "").Replace(strings.ToLower(text))
	val, err := strconv.Atoi(cleaned)
	if err != nil || val < 0 {
		return "", false
	}
	return groupDigits(val) + " км", true
}

// validateBudget accepts a ruble amount with optional spacing and unit.
func validateBudget(text string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", "руб", "", "р", "").Replace(strings.ToLower(text))
	val, err := strconv.Atoi(cleaned)
	if err != nil || val <= 0 {
		return "", false
	}
	return fmt.Sprintf("до %s руб.", groupDigits(val)), true
}

// Forms builds the dialog form for every service type. Year button rows are
// derived from the current date, so forms are built per process start rather
// than at package init.
func Forms() map[models.ServiceType]*Form {
	return map[models.ServiceType]*Form{
		models.ServiceSell:  sellForm(),
		models.ServiceBuy:   buyForm(),
		models.ServiceFind:  findForm(),
		models.ServiceCheck: checkForm(),
		models.ServiceLegal: legalForm(),
	}
}

func sellForm() *Form {
	return &Form{
		Service: models.ServiceSell,
		EntityPrefill: map[string]string{
			"brand":   "car_brand",
			"year":    "year",
			"mileage": "mileage",
			"budget":  "price",
		},
		Steps: []StepConfig{
			{
				Key:      "car_brand",
				Prompt:   "Укажите марку и модель автомобиля:",
				Kind:     StepText,
				Required: true,
			},
			{
				Key:          "year",
				Prompt:       "Выберите год выпуска:",
				Kind:         StepChoice,
				Required:     true,
				Choices:      sellYearChoices(10),
				Columns:      3,
				CustomPrompt: "Введите год выпуска:",
			},
			{
				Key:       "mileage",
				Prompt:    "Укажите пробег (км):",
				Kind:      StepText,
				Required:  true,
				Validate:  validateMileage,
				ErrorText: "Укажите пробег числом, например: 85000",
			},
			{
				Key:      "price",
				Prompt:   "Укажите желаемую цену или выберите вариант:",
				Kind:     StepText,
				Required: true,
				Columns:  1,
				Choices: []Choice{
					{Label: "На ваше усмотрение", Value: "На ваше усмотрение"},
				},
			},
			{
				Key:    "photos",
				Prompt: "Отправьте фото автомобиля (можно несколько).\nКогда закончите, нажмите \"Готово\".",
				Kind:   StepPhotos,
			},
			{
				Key:      "name",
				Prompt:   promptName,
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "phone",
				Prompt:   promptPhone,
				Kind:     StepPhone,
				Required: true,
			},
			{
				Key:    "comment",
				Prompt: "Дополнительный комментарий:",
				Kind:   StepText,
			},
		},
	}
}

func buyForm() *Form {
	return &Form{
		Service: models.ServiceBuy,
		EntityPrefill: map[string]string{
			"brand":  "car_brand",
			"budget": "budget",
			"year":   "year_from",
		},
		Steps: []StepConfig{
			{
				Key:      "car_brand",
				Prompt:   "Какую марку/модель ищете?",
				Kind:     StepText,
				Required: true,
			},
			{
				Key:          "budget",
				Prompt:       "Выберите бюджет:",
				Kind:         StepChoice,
				Required:     true,
				Choices:      budgetChoices,
				Columns:      1,
				CustomPrompt: "Введите максимальный бюджет (число):",
				Validate:     validateBudget,
				ErrorText:    "Укажите бюджет числом, например: 1500000",
			},
			{
				Key:          "year_from",
				Prompt:       "Год выпуска от:",
				Kind:         StepChoice,
				Required:     true,
				Choices:      buyYearChoices(),
				Columns:      3,
				CustomPrompt: "Введите минимальный год выпуска:",
			},
			{
				Key:      "transmission",
				Prompt:   "Коробка передач:",
				Kind:     StepChoice,
				Required: true,
				Choices: []Choice{
					{Label: "АКПП", Value: "АКПП"},
					{Label: "МКПП", Value: "МКПП"},
					{Label: "Робот", Value: "Робот"},
					{Label: "Вариатор", Value: "Вариатор"},
					{Label: "Любая", Value: "Любая"},
				},
			},
			{
				Key:      "drive",
				Prompt:   "Привод:",
				Kind:     StepChoice,
				Required: true,
				Choices: []Choice{
					{Label: "Передний", Value: "Передний"},
					{Label: "Задний", Value: "Задний"},
					{Label: "Полный", Value: "Полный"},
					{Label: "Любой", Value: "Любой"},
				},
			},
			{
				Key:      "name",
				Prompt:   promptName,
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "phone",
				Prompt:   promptPhone,
				Kind:     StepPhone,
				Required: true,
			},
			{
				Key:    "comment",
				Prompt: "Дополнительные пожелания:",
				Kind:   StepText,
			},
		},
	}
}

func findForm() *Form {
	return &Form{
		Service: models.ServiceFind,
		EntityPrefill: map[string]string{
			"budget": "budget",
			"brand":  "brand_preference",
		},
		Steps: []StepConfig{
			{
				Key:      "purpose",
				Prompt:   "Для каких целей подбираете авто?",
				Kind:     StepChoice,
				Required: true,
				Choices: []Choice{
					{Label: "Для города", Value: "Для города"},
					{Label: "Для семьи", Value: "Для семьи"},
					{Label: "Для бизнеса", Value: "Для бизнеса"},
					{Label: "Для бездорожья", Value: "Для бездорожья"},
					{Label: "Другое", Value: choiceCustom},
				},
				CustomPrompt: "Опишите, для каких целей:",
			},
			{
				Key:          "budget",
				Prompt:       "Выберите бюджет:",
				Kind:         StepChoice,
				Required:     true,
				Choices:      budgetChoices,
				Columns:      1,
				CustomPrompt: "Введите максимальный бюджет (число):",
				Validate:     validateBudget,
				ErrorText:    "Укажите бюджет числом, например: 1500000",
			},
			{
				Key:      "brand_preference",
				Prompt:   "Есть предпочтения по марке?",
				Kind:     StepText,
				Required: true,
				Columns:  1,
				Choices: []Choice{
					{Label: "Без разницы", Value: "Без разницы"},
				},
			},
			{
				Key:      "body_type",
				Prompt:   "Тип кузова:",
				Kind:     StepChoice,
				Required: true,
				Choices: []Choice{
					{Label: "Седан", Value: "Седан"},
					{Label: "Кроссовер", Value: "Кроссовер"},
					{Label: "Внедорожник", Value: "Внедорожник"},
					{Label: "Хэтчбек", Value: "Хэтчбек"},
					{Label: "Универсал", Value: "Универсал"},
					{Label: "Любой", Value: "Любой"},
				},
			},
			{
				Key:      "name",
				Prompt:   promptName,
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "phone",
				Prompt:   promptPhone,
				Kind:     StepPhone,
				Required: true,
			},
			{
				Key:    "comment",
				Prompt: "Комментарий:",
				Kind:   StepText,
			},
		},
	}
}

func checkForm() *Form {
	return &Form{
		Service: models.ServiceCheck,
		EntityPrefill: map[string]string{
			"brand": "car_brand",
		},
		Steps: []StepConfig{
			{
				Key:      "check_type",
				Prompt:   "Выберите тип проверки:",
				Kind:     StepChoice,
				Required: true,
				Columns:  1,
				Choices: []Choice{
					{Label: "Техническая диагностика", Value: "Техническая диагностика"},
					{Label: "Юридическая проверка", Value: "Юридическая проверка"},
					{Label: "Комплексная проверка", Value: "Комплексная проверка"},
				},
			},
			{
				Key:      "car_brand",
				Prompt:   "Укажите марку и модель автомобиля:",
				Kind:     StepText,
				Required: true,
			},
			{
				Key:    "vin",
				Prompt: "Укажите VIN или госномер (если есть):",
				Kind:   StepText,
			},
			{
				Key:      "name",
				Prompt:   promptName,
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "phone",
				Prompt:   promptPhone,
				Kind:     StepPhone,
				Required: true,
			},
			{
				Key:    "comment",
				Prompt: "Комментарий:",
				Kind:   StepText,
			},
		},
	}
}

func legalForm() *Form {
	return &Form{
		Service:       models.ServiceLegal,
		EntityPrefill: map[string]string{},
		Steps: []StepConfig{
			{
				Key:      "question_type",
				Prompt:   "Выберите тип вопроса:",
				Kind:     StepChoice,
				Required: true,
				Columns:  1,
				Choices: []Choice{
					{Label: "Переоформление / постановка на учёт", Value: "Переоформление"},
					{Label: "Страхование (ОСАГО / КАСКО)", Value: "Страхование"},
					{Label: "Возврат авто / спор с продавцом", Value: "Возврат / спор"},
					{Label: "Другое", Value: choiceCustom},
				},
				CustomPrompt: "Опишите ваш вопрос:",
			},
			{
				Key:      "description",
				Prompt:   "Кратко опишите ситуацию:",
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "name",
				Prompt:   promptName,
				Kind:     StepText,
				Required: true,
			},
			{
				Key:      "phone",
				Prompt:   promptPhone,
				Kind:     StepPhone,
				Required: true,
			},
			{
				Key:    "comment",
				Prompt: "Комментарий:",
				Kind:   StepText,
			},
		},
	}
}
