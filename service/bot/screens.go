package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/likesync/likesync/models"
	"github.com/likesync/likesync/service/status"
)

const (
	cbMenu          = "menu"
	cbSyncNow       = "sync_now"
	cbSettings      = "settings"
	cbInfo          = "info"
	cbClose         = "close"
	cbToggleSync    = "toggle_sync"
	cbSetHandle     = "set_handle"
	cbSetPeriod     = "set_period"
	cbPeriodPrefix  = "period:"
	cbPeriodCustom  = "period_custom"
	cbToggleOrder   = "toggle_order"
	cbErrorsPrefix  = "errors:"
	cbClearErrors   = "errors_clear"
	cbBackSettings  = "back_settings"
	errorsPerPage   = 5
	errorLogRunes   = 300
	contextLogRunes = 120
)

const (
	textMenu            = "Use the buttons below to control SoundCloud likes sync."
	textInfo            = "Send me a soundcloud.com track link and I will reply with the audio file.\n\nTo sync your likes automatically, open ⚙️ Settings, set your SoundCloud username and turn sync on.\n\nCommands: /menu, /synclikesnow, /status"
	textMenuClosed      = "Menu closed."
	textSettings        = "⚙️ Settings"
	textHandlePrompt    = "Send your SoundCloud username or profile link:"
	textPeriodPrompt    = "Choose how often to sync:"
	textPeriodInput     = "Send the sync period in hours (1 to 720):"
	textHandleEmpty     = "The username cannot be empty. Try again."
	textHandleChars     = "The username may only contain latin letters, digits, '-' and '_'."
	textHandleLength    = "The username must be 3 to 30 characters long."
	textPeriodInvalid   = "Invalid period. Send a whole number of hours from 1 to 720."
	textSettingsError   = "Could not load or save your settings. Try /start later."
	textHandleFirst     = "Set your SoundCloud username first!"
	textSyncStarted     = "Sync started"
	textErrorLogTitle   = "📜 Error log"
	textErrorLogEmpty   = "The error log is empty."
	textErrorLogCleared = "Error log cleared!"
	textInternalError   = "⚠️ Internal error. Please try again later."
	labelOn             = "ON ✅"
	labelOff            = "OFF ❌"
	labelNotSet         = "not set"
	labelOldFirst       = "oldest first 🔼"
	labelNewFirst       = "newest first 🔽"
	labelBack           = "🔙 Back"
	labelErrorLogPrev   = "⬅️ Prev"
	labelErrorLogNext   = "➡️ Next"
	labelErrorLogClear  = "🗑️ Clear log"
	labelPeriodCustom   = "📝 Custom"
	labelMenuSync       = "🔄 Sync now"
	labelMenuSettings   = "⚙️ Settings"
	labelMenuErrors     = "📜 Error log"
	labelMenuInfo       = "ℹ️ Info"
	labelMenuClose      = "❌ Close"
)

func menuScreen() Screen {
	return Screen{
		Text: textMenu,
		Keyboard: [][]Button{
			{{labelMenuSync, cbSyncNow}},
			{{labelMenuSettings, cbSettings}},
			{{labelMenuErrors, cbErrorsPrefix + "0"}},
			{{labelMenuInfo, cbInfo}},
			{{labelMenuClose, cbClose}},
		},
	}
}

func infoScreen() Screen {
	return Screen{Text: textInfo, Keyboard: [][]Button{{{labelBack, cbMenu}}}}
}

func settingsScreen(u *models.User) Screen {
	sync := labelOff
	if u.SyncEnabled {
		sync = labelOn
	}
	handle := labelNotSet
	if u.HasHandle() {
		handle = *u.Handle
	}
	order := labelOldFirst
	if u.SyncOrder == models.SyncOrderNewFirst {
		order = labelNewFirst
	}

	return Screen{
		Text: textSettings,
		Keyboard: [][]Button{
			{{"🔄 Sync: " + sync, cbToggleSync}},
			{{"👤 Username: " + handle, cbSetHandle}},
			{{fmt.Sprintf("⏱️ Sync period: %dh", int(u.Period().Hours())), cbSetPeriod}},
			{{"📊 Order: " + order, cbToggleOrder}},
			{{labelBack, cbMenu}},
		},
	}
}

func periodScreen() Screen {
	row := func(hours ...int) []Button {
		buttons := make([]Button, 0, len(hours))
		for _, h := range hours {
			buttons = append(buttons, Button{fmt.Sprintf("%dh", h), cbPeriodPrefix + strconv.Itoa(h)})
		}
		return buttons
	}

	return Screen{
		Text: textPeriodPrompt,
		Keyboard: [][]Button{
			row(presetPeriods[:2]...),
			row(presetPeriods[2:]...),
			{{labelPeriodCustom, cbPeriodCustom}},
			{{labelBack, cbBackSettings}},
		},
	}
}

// promptScreen asks for text input; a non-empty problem is shown above the
// prompt.
func promptScreen(prompt, problem string) Screen {
	text := prompt
	if problem != "" {
		text = problem + "\n\n" + prompt
	}
	return Screen{Text: text, Keyboard: [][]Button{{{labelBack, cbBackSettings}}}}
}

// errorLogScreen renders one page of the error log. page is zero based.
func errorLogScreen(entries []*models.UserError, page, pages, total int) Screen {
	var b strings.Builder
	b.WriteString(textErrorLogTitle)
	b.WriteString("\n\n")

	if total == 0 {
		b.WriteString(textErrorLogEmpty)
		return Screen{Text: b.String(), Keyboard: [][]Button{{{labelBack, cbMenu}}}}
	}

	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "📅 %s\n", e.Timestamp.UTC().Format(status.TimeLayout))
		fmt.Fprintf(&b, "💬 %s\n", truncate(e.Message, errorLogRunes))
		if e.Context != nil && *e.Context != "" {
			fmt.Fprintf(&b, "🔗 %s\n", truncate(*e.Context, contextLogRunes))
		}
	}
	fmt.Fprintf(&b, "\n📄 Page %d of %d", page+1, pages)

	var nav []Button
	if page > 0 {
		nav = append(nav, Button{labelErrorLogPrev, cbErrorsPrefix + strconv.Itoa(page-1)})
	}
	if page < pages-1 {
		nav = append(nav, Button{labelErrorLogNext, cbErrorsPrefix + strconv.Itoa(page+1)})
	}

	var keyboard [][]Button
	if len(nav) > 0 {
		keyboard = append(keyboard, nav)
	}
	keyboard = append(keyboard, []Button{{labelErrorLogClear, cbClearErrors}}, []Button{{labelBack, cbMenu}})

	return Screen{Text: b.String(), Keyboard: keyboard}
}

func pageCount(total int) int {
	if total <= 0 {
		return 1
	}
	return (total + errorsPerPage - 1) / errorsPerPage
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
