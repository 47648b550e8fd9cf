package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// BookReader is the read side of the book store.
type BookReader interface {
	Instruments() []domain.Instrument
	Query(inst domain.Instrument) (domain.OrderBookState, error)
	GetTradesSince(inst domain.Instrument, tradeID string) ([]domain.TradeRecord, error)
	Retention(inst domain.Instrument) (int, bool)
}

// InstrumentRemover deconfigures an instrument and destroys its state.
type InstrumentRemover interface {
	Remove(ctx context.Context, inst domain.Instrument) bool
}

// BookSummary is one row of the instrument listing.
type BookSummary struct {
	TokenID     string           `json:"token_id"`
	HasData     bool             `json:"has_data"`
	HasBook     bool             `json:"has_book"`
	CapturedAt  *time.Time       `json:"captured_at,omitempty"`
	BestBid     *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk     *decimal.Decimal `json:"best_ask,omitempty"`
	LastTradeID string           `json:"last_trade_id,omitempty"`
	TradeCount  int              `json:"trade_count"`
	Retention   int              `json:"retention"`
}

// BookHandler serves order book and trade queries.
type BookHandler struct {
	store   BookReader
	remover InstrumentRemover
	logger  *slog.Logger
}

// NewBookHandler creates a BookHandler. remover may be nil, in which case
// DeleteBook answers 501.
func NewBookHandler(store BookReader, remover InstrumentRemover, logger *slog.Logger) *BookHandler {
	return &BookHandler{store: store, remover: remover, logger: logHandler(logger, "books")}
}

// ListBooks summarises every configured instrument.
// GET /api/books
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	insts := h.store.Instruments()
	out := make([]BookSummary, 0, len(insts))
	for _, inst := range insts {
		sum := BookSummary{TokenID: inst.TokenID}
		sum.Retention, _ = h.store.Retention(inst)
		state, err := h.store.Query(inst)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			writeDomainError(w, h.logger, r, err)
			return
		default:
			sum.HasData = true
			sum.HasBook = state.HasBook
			sum.LastTradeID = state.LastTradeID
			sum.TradeCount = len(state.Trades)
			if state.HasBook {
				at := state.Book.CapturedAt
				sum.CapturedAt = &at
				if bid, ok := state.Book.BestBid(); ok {
					sum.BestBid = &bid.Price
				}
				if ask, ok := state.Book.BestAsk(); ok {
					sum.BestAsk = &ask.Price
				}
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBook returns the full state of one instrument.
// GET /api/books/{token_id}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentParam(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	state, err := h.store.Query(inst)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetTrades returns retained trades after the "since" trade id, oldest
// first, at most "limit" of the newest.
// GET /api/books/{token_id}/trades?since={trade_id}&limit={n}
func (h *BookHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentParam(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	trades, err := h.store.GetTradesSince(inst, r.URL.Query().Get("since"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if limit := parseLimit(r, len(trades), len(trades)); limit < len(trades) {
		trades = trades[len(trades)-limit:]
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id": inst.TokenID,
		"trades":   trades,
	})
}

// DeleteBook stops polling an instrument and destroys its state.
// DELETE /api/books/{token_id}
func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	if h.remover == nil {
		writeError(w, http.StatusNotImplemented, "instrument removal is not enabled")
		return
	}
	inst, err := instrumentParam(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if !h.remover.Remove(r.Context(), inst) {
		writeError(w, http.StatusNotFound, "instrument "+inst.TokenID+" is not configured")
		return
	}
	h.logger.InfoContext(r.Context(), "instrument removed", slog.String("token_id", inst.TokenID))
	writeJSON(w, http.StatusOK, map[string]any{"token_id": inst.TokenID, "removed": true})
}
