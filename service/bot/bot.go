// Package bot runs the Telegram update loop: commands, menus, settings
// input and links sent for direct download.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/models"
	"github.com/likesync/likesync/service/download"
	"github.com/likesync/likesync/service/pipeline"
	"github.com/likesync/likesync/service/syncer"
)

const pollTimeout = 30

type Store interface {
	EnsureUser(userID int64) error
	GetUserByID(userID int64) (*models.User, error)
	UpdateUserSettings(userID int64, update models.UserSettingsUpdate) error
	DisableSync(userID int64) error
	GetUserErrors(userID int64, limit, offset int) ([]*models.UserError, error)
	CountUserErrors(userID int64) (int, error)
	ClearUserErrors(userID int64) (int64, error)
}

type StatusPublisher interface {
	Publish(ctx context.Context, userID, chatID int64, text string) (int, error)
	ComputeStatusText(userID int64) string
	Forget(userID int64)
}

type SyncRunner interface {
	Run(ctx context.Context, userID, chatID int64, trigger syncer.Trigger) (syncer.Summary, error)
}

type Downloader interface {
	Handle(ctx context.Context, userID, chatID int64, messageID int, link string) pipeline.Result
}

// UpdateSource is satisfied by *tgbotapi.BotAPI.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Deps struct {
	Store      Store
	Status     StatusPublisher
	Syncer     SyncRunner
	Downloader Downloader
	UI         UI
	Updates    UpdateSource
}

type inputKind int

const (
	inputNone inputKind = iota
	inputHandle
	inputPeriod
)

// session is the per-user menu state.
type session struct {
	menuID   int
	awaiting inputKind
}

type Bot struct {
	store      Store
	status     StatusPublisher
	syncer     SyncRunner
	downloader Downloader
	ui         UI
	source     UpdateSource
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*session

	startOnce sync.Once
	stopOnce  sync.Once
	updates   tgbotapi.UpdatesChannel
	wg        sync.WaitGroup
}

func New(deps Deps) *Bot {
	return &Bot{
		store:      deps.Store,
		status:     deps.Status,
		syncer:     deps.Syncer,
		downloader: deps.Downloader,
		ui:         deps.UI,
		source:     deps.Updates,
		logger:     logging.Component("bot"),
		sessions:   make(map[int64]*session),
	}
}

// Serve long-polls for updates and handles each one on its own goroutine.
// Polling starts once per process and cannot be resumed after it stops, so
// a closed update channel ends the service for good.
func (b *Bot) Serve(ctx context.Context) error {
	b.startOnce.Do(func() {
		cfg := tgbotapi.NewUpdate(0)
		cfg.Timeout = pollTimeout
		b.updates = b.source.GetUpdatesChan(cfg)
	})

	b.logger.Info().Msg("receiving updates")

	for {
		select {
		case <-ctx.Done():
			b.stopOnce.Do(b.source.StopReceivingUpdates)
			b.wg.Wait()
			b.logger.Info().Msg("stopped receiving updates")
			return ctx.Err()
		case update, ok := <-b.updates:
			if !ok {
				b.wg.Wait()
				b.logger.Error().Msg("update channel closed, not restarting")
				return suture.ErrDoNotRestart
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate dispatches one update. It never panics.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Int("update_id", update.UpdateID).Msg("update handler panicked")
			if chat := update.FromChat(); chat != nil {
				if _, err := b.ui.SendScreen(ctx, chat.ID, Screen{Text: textInternalError}); err != nil {
					b.logger.Warn().Err(err).Msg("failed to report internal error")
				}
			}
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil && update.Message.Chat != nil:
		if update.Message.IsCommand() {
			b.handleCommand(ctx, update.Message)
			return
		}
		b.handleText(ctx, update.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID, chatID := msg.From.ID, msg.Chat.ID
	b.logger.Debug().Int64("user_id", userID).Str("command", msg.Command()).Msg("command received")

	switch msg.Command() {
	case "start", "menu":
		b.setAwaiting(userID, inputNone)
		b.setMenu(userID, 0)
		b.showMenu(ctx, userID, chatID, 0)
	case "synclikesnow":
		b.startSync(ctx, userID, chatID)
	case "status":
		b.refreshStatus(ctx, userID, chatID)
	}
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	userID, chatID := msg.From.ID, msg.Chat.ID

	switch b.awaiting(userID) {
	case inputHandle:
		b.receiveHandle(ctx, userID, chatID, msg)
		return
	case inputPeriod:
		b.receivePeriod(ctx, userID, chatID, msg)
		return
	}

	link, ok := download.ExtractLink(msg.Text)
	if !ok {
		return
	}
	b.downloader.Handle(ctx, userID, chatID, msg.MessageID, link)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		b.answer(ctx, q.ID, "", false)
		return
	}
	userID, chatID, msgID := q.From.ID, q.Message.Chat.ID, q.Message.MessageID
	b.setMenu(userID, msgID)
	data := q.Data

	switch {
	case data == cbMenu:
		b.answer(ctx, q.ID, "", false)
		b.setAwaiting(userID, inputNone)
		b.showMenu(ctx, userID, chatID, msgID)
	case data == cbInfo:
		b.answer(ctx, q.ID, "", false)
		b.render(ctx, userID, chatID, msgID, infoScreen())
	case data == cbClose:
		b.answer(ctx, q.ID, "", false)
		b.render(ctx, userID, chatID, msgID, Screen{Text: textMenuClosed})
		b.setAwaiting(userID, inputNone)
		b.setMenu(userID, 0)
	case data == cbSyncNow:
		b.answer(ctx, q.ID, textSyncStarted, true)
		b.startSync(ctx, userID, chatID)
	case data == cbSettings, data == cbBackSettings:
		b.answer(ctx, q.ID, "", false)
		b.setAwaiting(userID, inputNone)
		b.showSettings(ctx, userID, chatID, msgID)
	case data == cbToggleSync:
		b.toggleSync(ctx, q.ID, userID, chatID, msgID)
	case data == cbToggleOrder:
		b.answer(ctx, q.ID, "", false)
		b.toggleOrder(ctx, userID, chatID, msgID)
	case data == cbSetHandle:
		b.answer(ctx, q.ID, "", false)
		b.setAwaiting(userID, inputHandle)
		b.render(ctx, userID, chatID, msgID, promptScreen(textHandlePrompt, ""))
	case data == cbSetPeriod:
		b.answer(ctx, q.ID, "", false)
		b.render(ctx, userID, chatID, msgID, periodScreen())
	case data == cbPeriodCustom:
		b.answer(ctx, q.ID, "", false)
		b.setAwaiting(userID, inputPeriod)
		b.render(ctx, userID, chatID, msgID, promptScreen(textPeriodInput, ""))
	case strings.HasPrefix(data, cbPeriodPrefix):
		b.answer(ctx, q.ID, "", false)
		hours, err := strconv.Atoi(strings.TrimPrefix(data, cbPeriodPrefix))
		if err != nil || !validPreset(hours) {
			b.logger.Warn().Str("data", data).Msg("invalid period callback")
			b.showSettings(ctx, userID, chatID, msgID)
			return
		}
		b.applySettings(ctx, userID, chatID, msgID, models.UserSettingsUpdate{SyncPeriodHours: &hours})
	case data == cbClearErrors:
		b.clearErrors(ctx, q.ID, userID, chatID, msgID)
	case strings.HasPrefix(data, cbErrorsPrefix):
		b.answer(ctx, q.ID, "", false)
		page, _ := strconv.Atoi(strings.TrimPrefix(data, cbErrorsPrefix))
		b.showErrors(ctx, userID, chatID, msgID, page)
	default:
		b.answer(ctx, q.ID, "", false)
		b.logger.Warn().Str("data", data).Msg("unhandled callback")
	}
}

func (b *Bot) showMenu(ctx context.Context, userID, chatID int64, msgID int) {
	b.ensureUser(userID)
	b.render(ctx, userID, chatID, msgID, menuScreen())
}

func (b *Bot) showSettings(ctx context.Context, userID, chatID int64, msgID int) {
	user := b.loadUser(userID)
	if user == nil {
		b.render(ctx, userID, chatID, msgID, Screen{Text: textSettingsError})
		return
	}
	b.render(ctx, userID, chatID, msgID, settingsScreen(user))
}

func (b *Bot) toggleSync(ctx context.Context, callbackID string, userID, chatID int64, msgID int) {
	user := b.loadUser(userID)
	if user == nil {
		b.answer(ctx, callbackID, textSettingsError, true)
		return
	}
	if !user.HasHandle() {
		b.answer(ctx, callbackID, textHandleFirst, true)
		return
	}

	b.answer(ctx, callbackID, "", false)
	enabled := !user.SyncEnabled
	b.applySettings(ctx, userID, chatID, msgID, models.UserSettingsUpdate{SyncEnabled: &enabled})
}

func (b *Bot) toggleOrder(ctx context.Context, userID, chatID int64, msgID int) {
	user := b.loadUser(userID)
	if user == nil {
		b.render(ctx, userID, chatID, msgID, Screen{Text: textSettingsError})
		return
	}

	order := models.SyncOrderNewFirst
	if user.SyncOrder == models.SyncOrderNewFirst {
		order = models.SyncOrderOldFirst
	}
	b.applySettings(ctx, userID, chatID, msgID, models.UserSettingsUpdate{SyncOrder: &order})
}

// applySettings stores update, redraws the settings screen and re-publishes
// the status message.
func (b *Bot) applySettings(ctx context.Context, userID, chatID int64, msgID int, update models.UserSettingsUpdate) {
	if err := b.store.UpdateUserSettings(userID, update); err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to update settings")
		b.render(ctx, userID, chatID, msgID, Screen{Text: textSettingsError})
		return
	}
	b.showSettings(ctx, userID, chatID, msgID)
	b.refreshStatus(ctx, userID, chatID)
}

func (b *Bot) receiveHandle(ctx context.Context, userID, chatID int64, msg *tgbotapi.Message) {
	b.deleteInput(ctx, chatID, msg.MessageID)

	handle, problem := parseHandle(msg.Text)
	if problem != "" {
		b.render(ctx, userID, chatID, 0, promptScreen(textHandlePrompt, problem))
		return
	}

	b.setAwaiting(userID, inputNone)
	b.applySettings(ctx, userID, chatID, 0, models.UserSettingsUpdate{Handle: &handle})
}

func (b *Bot) receivePeriod(ctx context.Context, userID, chatID int64, msg *tgbotapi.Message) {
	b.deleteInput(ctx, chatID, msg.MessageID)

	hours, ok := parsePeriod(msg.Text)
	if !ok {
		b.render(ctx, userID, chatID, 0, promptScreen(textPeriodInput, textPeriodInvalid))
		return
	}

	b.setAwaiting(userID, inputNone)
	b.applySettings(ctx, userID, chatID, 0, models.UserSettingsUpdate{SyncPeriodHours: &hours})
}

func (b *Bot) showErrors(ctx context.Context, userID, chatID int64, msgID, page int) {
	total, err := b.store.CountUserErrors(userID)
	if err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to count errors")
	}

	pages := pageCount(total)
	page = max(0, min(page, pages-1))

	entries, err := b.store.GetUserErrors(userID, errorsPerPage, page*errorsPerPage)
	if err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load errors")
	}
	b.render(ctx, userID, chatID, msgID, errorLogScreen(entries, page, pages, total))
}

func (b *Bot) clearErrors(ctx context.Context, callbackID string, userID, chatID int64, msgID int) {
	removed, err := b.store.ClearUserErrors(userID)
	if err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to clear errors")
		b.answer(ctx, callbackID, textSettingsError, true)
		return
	}
	b.logger.Info().Int64("user_id", userID).Int64("removed", removed).Msg("error log cleared")

	b.answer(ctx, callbackID, textErrorLogCleared, true)
	b.showErrors(ctx, userID, chatID, msgID, 0)
}

// startSync runs a manual sync in the background; the orchestrator reports
// progress through the status message.
func (b *Bot) startSync(ctx context.Context, userID, chatID int64) {
	b.ensureUser(userID)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Int64("user_id", userID).Msg("manual sync panicked")
			}
		}()

		_, err := b.syncer.Run(ctx, userID, chatID, syncer.TriggerManual)
		if errors.Is(err, messenger.ErrUnreachable) {
			b.logger.Warn().Err(err).Int64("user_id", userID).Msg("user is unreachable, disabling sync")
			if err := b.store.DisableSync(userID); err != nil {
				b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to disable sync")
			}
			b.status.Forget(userID)
		}
	}()
}

func (b *Bot) refreshStatus(ctx context.Context, userID, chatID int64) {
	b.ensureUser(userID)
	if _, err := b.status.Publish(ctx, userID, chatID, b.status.ComputeStatusText(userID)); err != nil {
		b.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to publish status")
	}
}

// render draws screen on msgID, falling back to the remembered menu message
// and then to a new message.
func (b *Bot) render(ctx context.Context, userID, chatID int64, msgID int, screen Screen) {
	if msgID == 0 {
		msgID = b.menu(userID)
	}

	if msgID != 0 {
		err := b.ui.EditScreen(ctx, chatID, msgID, screen)
		if err == nil || errors.Is(err, messenger.ErrNotModified) {
			return
		}
		b.logger.Debug().Err(err).Int("message_id", msgID).Msg("menu edit failed, sending a new one")
	}

	id, err := b.ui.SendScreen(ctx, chatID, screen)
	if err != nil {
		b.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to send menu")
		return
	}
	b.setMenu(userID, id)
}

func (b *Bot) deleteInput(ctx context.Context, chatID int64, msgID int) {
	if err := b.ui.Delete(ctx, chatID, msgID); err != nil {
		b.logger.Debug().Err(err).Int("message_id", msgID).Msg("failed to delete input message")
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := b.ui.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		b.logger.Debug().Err(err).Msg("failed to answer callback")
	}
}

func (b *Bot) ensureUser(userID int64) {
	if err := b.store.EnsureUser(userID); err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to ensure user")
	}
}

func (b *Bot) loadUser(userID int64) *models.User {
	b.ensureUser(userID)
	user, err := b.store.GetUserByID(userID)
	if err != nil {
		b.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to load user")
		return nil
	}
	return user
}

func (b *Bot) session(userID int64) *session {
	s, ok := b.sessions[userID]
	if !ok {
		s = &session{}
		b.sessions[userID] = s
	}
	return s
}

func (b *Bot) awaiting(userID int64) inputKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session(userID).awaiting
}

func (b *Bot) setAwaiting(userID int64, kind inputKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session(userID).awaiting = kind
}

func (b *Bot) menu(userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session(userID).menuID
}

func (b *Bot) setMenu(userID int64, msgID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session(userID).menuID = msgID
}
