package flow

import (
	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
)

// User-facing texts of the top-level menu.
const (
	WelcomeText = "👋 Добро пожаловать в CarQuery AI!\n\n" +
		"Мы помогаем с покупкой, продажей, подбором\n" +
		"и проверкой автомобилей, а также с юридическими вопросами.\n\n" +
		"Выберите, что вас интересует:"

	HelpText = "CarQuery AI Bot — помощник по вопросам автомобилей.\n\n" +
		"Доступные команды:\n" +
		"/start — главное меню\n" +
		"/help — эта справка\n" +
		"/menu — показать меню услуг\n\n" +
		"Вы также можете просто написать ваш вопрос, и AI поможет вам."

	ResetWarningText = "У вас есть незавершённый диалог. Хотите сбросить его и вернуться в главное меню?"
)

// MainMenuKeyboard builds the service selection keyboard.
func MainMenuKeyboard() messaging.Keyboard {
	return messaging.Keyboard{
		messaging.Row(
			messaging.Button{Label: "🚗 Продать авто", Data: "service:" + string(models.ServiceSell)},
			messaging.Button{Label: "🔍 Купить авто", Data: "service:" + string(models.ServiceBuy)},
		),
		messaging.Row(
			messaging.Button{Label: "🎯 Подбор авто", Data: "service:" + string(models.ServiceFind)},
			messaging.Button{Label: "🔧 Проверка авто", Data: "service:" + string(models.ServiceCheck)},
		),
		messaging.Row(
			messaging.Button{Label: "⚖️ Юридическая помощь", Data: "service:" + string(models.ServiceLegal)},
			messaging.Button{Label: "💬 Задать вопрос", Data: "service:freetext"},
		),
	}
}

// ResetConfirmKeyboard asks whether to abandon an unfinished dialog.
func ResetConfirmKeyboard() messaging.Keyboard {
	return messaging.Keyboard{
		messaging.Row(
			messaging.Button{Label: "Да, сбросить", Data: "confirm_reset:yes"},
			messaging.Button{Label: "Нет, продолжить", Data: "confirm_reset:no"},
		),
	}
}
