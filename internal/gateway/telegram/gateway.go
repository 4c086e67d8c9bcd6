package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	tgviz "github.com/tgviz/tgviz-go"
	"github.com/tgviz/tgviz-go/internal/config"
)

// UpdateProcessor is the slice of tgviz.Processor the gateway needs.
type UpdateProcessor interface {
	ProcessUpdate(ctx context.Context, update any, handler tgviz.Handler) (tgviz.Result, error)
	Mode() tgviz.ProcessingMode
}

type Gateway struct {
	bot       *bot.Bot
	logger    *slog.Logger
	processor UpdateProcessor
	allowList map[int64]struct{}

	updates atomic.Int64
	handled atomic.Int64
	skipped atomic.Int64
}

func New(cfg config.TelegramConfig, processor UpdateProcessor, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if processor == nil {
		return nil, errors.New("update processor is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}

	gateway := &Gateway{
		logger:    logger,
		processor: processor,
		allowList: make(map[int64]struct{}, len(cfg.AllowList)),
	}
	for _, id := range cfg.AllowList {
		gateway.allowList[id] = struct{}{}
	}

	telegramBot, err := bot.New(cfg.Token,
		bot.WithDefaultHandler(gateway.handleEcho),
		bot.WithMiddlewares(gateway.analyticsMiddleware),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	gateway.bot = telegramBot

	return gateway, nil
}

func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("telegram gateway started", "tgviz_mode", g.processor.Mode())
	g.bot.Start(ctx)
	g.logger.Info("telegram gateway stopped")
	return nil
}

// analyticsMiddleware reports every update to TGViz through the
// processor and lets its verdict decide whether the wrapped handler
// runs.
func (g *Gateway) analyticsMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		g.updates.Add(1)

		result, err := g.processor.ProcessUpdate(ctx, update, func(ctx context.Context) (any, error) {
			next(ctx, b, update)
			return nil, nil
		})
		if err != nil {
			g.logger.Error("update processing error", "error", err, "update_id", updateID(update))
			return
		}
		if result.Skipped {
			g.skipped.Add(1)
			g.logger.Debug("update dropped by tgviz", "update_id", updateID(update))
		}
	}
}

func (g *Gateway) handleEcho(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}

	userID := update.Message.From.ID
	if !g.isAllowed(userID) {
		g.logger.Warn("telegram user rejected by allow list", "user_id", userID)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	g.handled.Add(1)
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   echoText(text),
	}); err != nil {
		g.logger.Error("telegram send error", "error", err, "user_id", userID)
	}
}

// An empty allow list means the bot is open to everyone.
func (g *Gateway) isAllowed(userID int64) bool {
	if len(g.allowList) == 0 {
		return true
	}
	_, ok := g.allowList[userID]
	return ok
}

func (g *Gateway) Stats() map[string]any {
	return map[string]any{
		"updates_seen":    g.updates.Load(),
		"updates_handled": g.handled.Load(),
		"updates_skipped": g.skipped.Load(),
		"tgviz_mode":      string(g.processor.Mode()),
	}
}

func echoText(text string) string {
	if strings.HasPrefix(text, "/start") {
		return "Hi! Send me anything and I will echo it back."
	}
	return text
}

func updateID(update *models.Update) int64 {
	if update == nil {
		return 0
	}
	return update.ID
}
