package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// PriceCache stores the last trade of each instrument as a hash at key
// "price:{tokenID}" with fields "price", "size", "side", "trade_id" and "ts"
// (unix ns).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(tokenID string) string {
	return "price:" + tokenID
}

// SetLastTrade stores tr as the latest trade of inst.
func (pc *PriceCache) SetLastTrade(ctx context.Context, inst domain.Instrument, tr domain.TradeRecord) error {
	fields := map[string]interface{}{
		"price":    tr.Price.String(),
		"size":     tr.Size.String(),
		"side":     string(tr.Side),
		"trade_id": tr.TradeID,
		"ts":       strconv.FormatInt(tr.Timestamp.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(inst.TokenID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set last trade %s: %w", inst, err)
	}
	return nil
}

// GetLastTrade retrieves the latest trade of inst. It returns
// domain.ErrNotFound when nothing is stored.
func (pc *PriceCache) GetLastTrade(ctx context.Context, inst domain.Instrument) (domain.TradeRecord, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(inst.TokenID)).Result()
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("redis: get last trade %s: %w", inst, err)
	}
	if len(vals) == 0 {
		return domain.TradeRecord{}, fmt.Errorf("redis: last trade %s: %w", inst, domain.ErrNotFound)
	}
	return decodeTradeHash(vals)
}

// Delete removes the last trade of inst.
func (pc *PriceCache) Delete(ctx context.Context, inst domain.Instrument) error {
	if err := pc.rdb.Del(ctx, priceKey(inst.TokenID)).Err(); err != nil {
		return fmt.Errorf("redis: delete last trade %s: %w", inst, err)
	}
	return nil
}

// GetPrices retrieves the last trade prices of several instruments using a
// pipeline. Instruments without a stored trade are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, insts []domain.Instrument) (map[string]decimal.Decimal, error) {
	if len(insts) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(insts))
	for _, inst := range insts {
		cmds[inst.TokenID] = pipe.HGet(ctx, priceKey(inst.TokenID), "price")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(insts))
	for id, cmd := range cmds {
		s, err := cmd.Result()
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		result[id] = price
	}
	return result, nil
}

func decodeTradeHash(vals map[string]string) (domain.TradeRecord, error) {
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("redis: parse price: %w", err)
	}
	size, err := decimal.NewFromString(vals["size"])
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("redis: parse size: %w", err)
	}
	ns, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("redis: parse ts: %w", err)
	}
	return domain.TradeRecord{
		TradeID:   vals["trade_id"],
		Price:     price,
		Size:      size,
		Side:      domain.Side(vals["side"]),
		Timestamp: time.Unix(0, ns).UTC(),
	}, nil
}
