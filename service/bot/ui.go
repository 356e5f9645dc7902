package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/likesync/likesync/messenger"
)

// Button is one inline keyboard button carrying callback data.
type Button struct {
	Label string
	Data  string
}

// Screen is a menu message: text plus an optional inline keyboard.
type Screen struct {
	Text     string
	Keyboard [][]Button
}

// UI is what the bot needs to draw menus and acknowledge button presses.
type UI interface {
	SendScreen(ctx context.Context, chatID int64, screen Screen) (int, error)
	EditScreen(ctx context.Context, chatID int64, messageID int, screen Screen) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// TelegramUI draws screens through the rate limited Telegram adapter.
type TelegramUI struct {
	tg *messenger.Telegram
}

func NewTelegramUI(tg *messenger.Telegram) *TelegramUI {
	return &TelegramUI{tg: tg}
}

func (u *TelegramUI) SendScreen(ctx context.Context, chatID int64, screen Screen) (int, error) {
	msg := tgbotapi.NewMessage(chatID, screen.Text)
	if kb := markup(screen.Keyboard); kb != nil {
		msg.ReplyMarkup = *kb
	}

	sent, err := u.tg.Send(ctx, msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditScreen replaces text and keyboard; an empty keyboard removes it.
func (u *TelegramUI) EditScreen(ctx context.Context, chatID int64, messageID int, screen Screen) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, screen.Text)
	edit.ReplyMarkup = markup(screen.Keyboard)

	_, err := u.tg.Send(ctx, edit)
	return err
}

func (u *TelegramUI) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	cb.ShowAlert = alert
	return u.tg.Request(ctx, cb)
}

func (u *TelegramUI) Delete(ctx context.Context, chatID int64, messageID int) error {
	return u.tg.Delete(ctx, chatID, messageID)
}

func markup(rows [][]Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}

	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		keyboard = append(keyboard, tgbotapi.NewInlineKeyboardRow(buttons...))
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	return &kb
}
