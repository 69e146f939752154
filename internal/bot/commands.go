package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Command defines a bot command with its Telegram menu description.
type Command struct {
	Name        string
	Description string
}

// botCommands is the single source of truth for command definitions.
var botCommands = []Command{
	{Name: "start", Description: "Show how to add items"},
	{Name: "login", Description: "Connect your bag with an access token"},
	{Name: "logout", Description: "Disconnect and remove the stored token"},
	{Name: "bag", Description: "Set the default bag code"},
	{Name: "bagtype", Description: "Set the bag type (biases identification)"},
	{Name: "items", Description: "Show your bag contents"},
	{Name: "add", Description: "Add the selected suggestions to your bag"},
	{Name: "retry", Description: "Search again with AI"},
	{Name: "autoaccept", Description: "Set the auto-accept confidence threshold"},
	{Name: "cancel", Description: "Cancel the current identification"},
	{Name: "version", Description: "Show version info"},
}

// RegisterCommands sets the bot's command menu in Telegram.
// This should be called once at startup.
func RegisterCommands(tg *tgbotapi.BotAPI) {
	commands := make([]tgbotapi.BotCommand, len(botCommands))
	for i, cmd := range botCommands {
		commands[i] = tgbotapi.BotCommand{
			Command:     cmd.Name,
			Description: cmd.Description,
		}
	}

	config := tgbotapi.NewSetMyCommands(commands...)
	if _, err := tg.Request(config); err != nil {
		log.Error().Err(err).Msg("failed to set bot commands")
	} else {
		log.Info().Int("count", len(commands)).Msg("registered bot commands")
	}
}
