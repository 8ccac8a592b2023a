package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/models"
)

const telegramAPIBase = "https://api.telegram.org"

// Bot sends periodic market digests to a Telegram chat. It keeps only the
// latest update per instrument; a digest always reflects current state, never
// a backlog.
type Bot struct {
	config   appconfig.TelegramConfig
	interval time.Duration
	apiBase  string
	http     *http.Client
	log      *logger.Log

	mu     sync.Mutex
	quotes map[models.InstrumentRef]models.QuoteUpdate
	chains map[models.InstrumentRef]models.ChainUpdate
	dirty  bool
}

func NewBot(cfg appconfig.TelegramConfig, interval time.Duration) *Bot {
	return &Bot{
		config:   cfg,
		interval: interval,
		apiBase:  telegramAPIBase,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      logger.GetLogger(),
		quotes:   make(map[models.InstrumentRef]models.QuoteUpdate),
		chains:   make(map[models.InstrumentRef]models.ChainUpdate),
	}
}

// OfferQuote replaces the held quote for the update's instrument.
func (b *Bot) OfferQuote(upd models.QuoteUpdate) {
	b.mu.Lock()
	b.quotes[upd.Record.Instrument] = upd
	b.dirty = true
	b.mu.Unlock()
}

// OfferChain replaces the held chain window for the update's underlying.
func (b *Bot) OfferChain(upd models.ChainUpdate) {
	b.mu.Lock()
	b.chains[upd.Underlying] = upd
	b.dirty = true
	b.mu.Unlock()
}

// Run sends a digest every interval while fresh data arrived since the last
// send. It blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log := b.log.WithComponent("telegram")
	log.WithFields(logger.Fields{"interval": b.interval}).Info("telegram digests enabled")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			text, ok := b.takeDigest()
			if !ok {
				continue
			}
			if err := b.sendMessage(ctx, text); err != nil {
				log.WithError(err).Warn("digest send failed")
				continue
			}
			logger.IncrementNotifySend(len(text))
		}
	}
}

// takeDigest renders the current state and clears the dirty flag. It returns
// false when nothing changed since the last digest.
func (b *Bot) takeDigest() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return "", false
	}
	b.dirty = false
	return renderDigest(b.quotes, b.chains), true
}

// renderDigest formats one HTML digest message. Instruments are ordered by
// display name so consecutive digests are comparable at a glance.
func renderDigest(quotes map[models.InstrumentRef]models.QuoteUpdate, chains map[models.InstrumentRef]models.ChainUpdate) string {
	var sb strings.Builder
	sb.WriteString("<b>Market Update</b>\n")

	for _, upd := range sortedQuotes(quotes) {
		rec := upd.Record
		if !rec.HasPrice() {
			fmt.Fprintf(&sb, "%s: data unavailable\n", rec.Instrument.DisplayName)
			continue
		}
		fmt.Fprintf(&sb, "%s: %s", rec.Instrument.DisplayName, rec.LastPrice.Decimal.StringFixed(2))
		if !rec.PrevClose.IsZero() {
			change := rec.Change()
			pct := change.Div(rec.PrevClose).Mul(decimal.NewFromInt(100))
			fmt.Fprintf(&sb, " (%s%s, %s%%)", signPrefix(change), change.StringFixed(2), pct.StringFixed(2))
		}
		fmt.Fprintf(&sb, " [%s]\n", upd.Mode)
	}

	for _, upd := range sortedChains(chains) {
		win := upd.Window
		fmt.Fprintf(&sb, "\n<b>%s %s</b>\n", upd.Underlying.DisplayName, win.Expiry)
		if win.Empty() {
			sb.WriteString("no listed strikes\n")
			continue
		}
		fmt.Fprintf(&sb, "spot %s, ATM %s\n", win.Spot.StringFixed(2), win.ATMStrike.StringFixed(0))
		for _, entry := range win.Strikes {
			marker := " "
			if entry.Strike.Equal(win.ATMStrike) {
				marker = "*"
			}
			fmt.Fprintf(&sb, "%s%s  CE %s oi %d | PE %s oi %d\n",
				marker, entry.Strike.StringFixed(0),
				sideLTP(entry.Call), entry.Call.OpenInterest,
				sideLTP(entry.Put), entry.Put.OpenInterest)
		}
	}

	return sb.String()
}

func sortedQuotes(quotes map[models.InstrumentRef]models.QuoteUpdate) []models.QuoteUpdate {
	out := make([]models.QuoteUpdate, 0, len(quotes))
	for _, upd := range quotes {
		out = append(out, upd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.Instrument.DisplayName < out[j].Record.Instrument.DisplayName
	})
	return out
}

func sortedChains(chains map[models.InstrumentRef]models.ChainUpdate) []models.ChainUpdate {
	out := make([]models.ChainUpdate, 0, len(chains))
	for _, upd := range chains {
		out = append(out, upd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Underlying.DisplayName < out[j].Underlying.DisplayName
	})
	return out
}

func sideLTP(side models.SideQuote) string {
	if !side.LastPrice.Valid {
		return "-"
	}
	return side.LastPrice.Decimal.StringFixed(2)
}

func signPrefix(d decimal.Decimal) string {
	if d.Sign() > 0 {
		return "+"
	}
	return ""
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (b *Bot) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                b.config.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", b.apiBase, b.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
