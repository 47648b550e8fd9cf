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

// OrderbookCache mirrors the latest applied book of each instrument using
// sorted sets and hashes.
//
// Key schema:
//
//	book:{tokenID}:bids     - sorted set of bid prices (score = price)
//	book:{tokenID}:asks     - sorted set of ask prices (score = price)
//	book:{tokenID}:bid:size - hash mapping price -> size for bids
//	book:{tokenID}:ask:size - hash mapping price -> size for asks
//	book:{tokenID}:bbo      - hash with fields "bid" and "ask" (best prices)
//	book:{tokenID}:meta     - hash with "ts" (capture time, unix ns) and "hash"
type OrderbookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOrderbookCache creates an OrderbookCache backed by the given Client.
// A positive ttl expires the mirror of an instrument that stops updating.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookBidsKey(tokenID string) string    { return "book:" + tokenID + ":bids" }
func bookAsksKey(tokenID string) string    { return "book:" + tokenID + ":asks" }
func bookBidSizeKey(tokenID string) string { return "book:" + tokenID + ":bid:size" }
func bookAskSizeKey(tokenID string) string { return "book:" + tokenID + ":ask:size" }
func bookBBOKey(tokenID string) string     { return "book:" + tokenID + ":bbo" }
func bookMetaKey(tokenID string) string    { return "book:" + tokenID + ":meta" }

func bookKeys(tokenID string) []string {
	return []string{
		bookBidsKey(tokenID), bookAsksKey(tokenID),
		bookBidSizeKey(tokenID), bookAskSizeKey(tokenID),
		bookBBOKey(tokenID), bookMetaKey(tokenID),
	}
}

// SetSnapshot atomically replaces the mirrored book of snap.Instrument.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	id := snap.Instrument.TokenID
	keys := bookKeys(id)

	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, keys...)

	for _, lvl := range snap.Bids {
		p := lvl.Price.String()
		pipe.ZAdd(ctx, bookBidsKey(id), redis.Z{Score: lvl.Price.InexactFloat64(), Member: p})
		pipe.HSet(ctx, bookBidSizeKey(id), p, lvl.Size.String())
	}
	for _, lvl := range snap.Asks {
		p := lvl.Price.String()
		pipe.ZAdd(ctx, bookAsksKey(id), redis.Z{Score: lvl.Price.InexactFloat64(), Member: p})
		pipe.HSet(ctx, bookAskSizeKey(id), p, lvl.Size.String())
	}

	if bid, ok := snap.BestBid(); ok {
		pipe.HSet(ctx, bookBBOKey(id), "bid", bid.Price.String())
	}
	if ask, ok := snap.BestAsk(); ok {
		pipe.HSet(ctx, bookBBOKey(id), "ask", ask.Price.String())
	}
	pipe.HSet(ctx, bookMetaKey(id),
		"ts", strconv.FormatInt(snap.CapturedAt.UnixNano(), 10),
		"hash", snap.Hash,
	)

	if oc.ttl > 0 {
		for _, k := range keys {
			pipe.Expire(ctx, k, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", id, err)
	}
	return nil
}

// GetSnapshot reconstructs the mirrored book of inst. It returns
// domain.ErrNotFound if nothing is mirrored.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, inst domain.Instrument) (domain.BookSnapshot, error) {
	id := inst.TokenID

	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRange(ctx, bookBidsKey(id), 0, -1)
	asksCmd := pipe.ZRange(ctx, bookAsksKey(id), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(id))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(id))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(id))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get orderbook snapshot %s: %w", id, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.BookSnapshot{}, fmt.Errorf("redis: orderbook %s: %w", id, domain.ErrNotFound)
	}

	snap := domain.BookSnapshot{Instrument: inst, Hash: meta["hash"]}
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		snap.CapturedAt = time.Unix(0, ns).UTC()
	}

	var err error
	if snap.Bids, err = rebuildLevels(bidsCmd.Val(), bidSizeCmd.Val()); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: orderbook %s bids: %w", id, err)
	}
	if snap.Asks, err = rebuildLevels(asksCmd.Val(), askSizeCmd.Val()); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: orderbook %s asks: %w", id, err)
	}
	return snap, nil
}

// GetBBO retrieves the mirrored best bid and ask; an empty side reads as
// zero. It returns domain.ErrNotFound if no BBO is mirrored.
func (oc *OrderbookCache) GetBBO(ctx context.Context, inst domain.Instrument) (bid, ask decimal.Decimal, err error) {
	vals, err := oc.rdb.HGetAll(ctx, bookBBOKey(inst.TokenID)).Result()
	if err != nil {
		return bid, ask, fmt.Errorf("redis: get bbo %s: %w", inst, err)
	}
	if len(vals) == 0 {
		return bid, ask, fmt.Errorf("redis: bbo %s: %w", inst, domain.ErrNotFound)
	}
	if s, ok := vals["bid"]; ok {
		bid, _ = decimal.NewFromString(s)
	}
	if s, ok := vals["ask"]; ok {
		ask, _ = decimal.NewFromString(s)
	}
	return bid, ask, nil
}

// Delete removes the mirror of inst.
func (oc *OrderbookCache) Delete(ctx context.Context, inst domain.Instrument) error {
	if err := oc.rdb.Del(ctx, bookKeys(inst.TokenID)...).Err(); err != nil {
		return fmt.Errorf("redis: delete orderbook %s: %w", inst, err)
	}
	return nil
}

// rebuildLevels pairs the ordered price members with their sizes.
func rebuildLevels(prices []string, sizes map[string]string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(prices))
	for _, p := range prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(sizes[p])
		if err != nil {
			return nil, fmt.Errorf("size for %s: %w", p, err)
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
