package main

import (
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/rickgao/ffly-stream/internal/codec"
)

// printer writes one line per envelope. It runs on a single offload worker,
// so writes are not interleaved.
type printer struct {
	w       io.Writer
	verbose bool
}

func (p *printer) handle(env codec.Envelope) error {
	if p.verbose {
		_, err := fmt.Fprintf(p.w, "[%s] %s\n", env.Name(), env.Payload())
		return err
	}

	key := env.RoutingKey()
	if key == "" {
		key = "-"
	}
	_, err := fmt.Fprintf(p.w, "[%s] key=%s %s\n", env.Kind(), key, summary(env))
	return err
}

// summary picks a few fields worth a glance for each kind.
func summary(env codec.Envelope) string {
	data := gjson.ParseBytes(env.Payload())
	switch env.Kind() {
	case codec.KindOrderbookUpdate:
		book := data.Get("orderbook")
		return fmt.Sprintf("bids=%d asks=%d", len(book.Get("bids").Array()), len(book.Get("asks").Array()))
	case codec.KindRecentTrades:
		return fmt.Sprintf("trades=%d", len(data.Get("trades").Array()))
	case codec.KindMarketDataUpdate:
		return fmt.Sprintf("price=%s", data.Get("marketData.lastPrice").String())
	case codec.KindOrderUpdate, codec.KindOrderCancellationFailed:
		return fmt.Sprintf("hash=%s status=%s", data.Get("order.hash").String(), data.Get("order.orderStatus").String())
	case codec.KindCandleStick:
		return fmt.Sprintf("name=%s", env.Name())
	default:
		return fmt.Sprintf("bytes=%d", len(env.Payload()))
	}
}
