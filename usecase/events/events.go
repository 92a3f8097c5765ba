package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"nft-market-back-ledger/gateway/notify"
	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
)

// Publisher は台帳イベントの発行先
type Publisher interface {
	Publish(event *model.LedgerEvent)
}

// NewEvent はIDと時刻を採番したイベントを作成
func NewEvent(eventType model.EventType) *model.LedgerEvent {
	return &model.LedgerEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// EventBus はバッファ付きチャネルによるプロセス内のイベント配送
// バッファが一杯の場合、台帳の処理を止めないためにイベントを破棄する
type EventBus struct {
	ch chan *model.LedgerEvent
}

func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{ch: make(chan *model.LedgerEvent, bufferSize)}
}

func (b *EventBus) Publish(event *model.LedgerEvent) {
	select {
	case b.ch <- event:
	default:
		logging.L(context.Background()).Warnf("Event buffer full, dropping %s event %s", event.Type, event.ID)
	}
}

func (b *EventBus) Events() <-chan *model.LedgerEvent {
	return b.ch
}

// ===============================================
// イベントリスナー
// ===============================================

// EventListener は台帳イベントを外部バックエンドに転送する
type EventListener interface {
	// StartEventListener はイベントリスナーを開始
	StartEventListener(ctx context.Context) error
}

type eventListener struct {
	events   <-chan *model.LedgerEvent
	notifier notify.Notifier
	done     chan struct{}
}

func NewEventListener(events <-chan *model.LedgerEvent, notifier notify.Notifier) *eventListener {
	return &eventListener{
		events:   events,
		notifier: notifier,
		done:     make(chan struct{}),
	}
}

// StartEventListener はイベントを読み出すゴルーチンを開始する。ctx がキャンセルされるかチャネルが閉じると停止する
func (el *eventListener) StartEventListener(ctx context.Context) error {
	go func() {
		defer close(el.done)
		for {
			select {
			case <-ctx.Done():
				logging.L(ctx).Debugf("Context cancelled, stopping event listener")
				return
			case event, ok := <-el.events:
				if !ok {
					return
				}
				el.handleEvent(ctx, event)
			}
		}
	}()

	logging.L(ctx).Infof("Ledger event listener started")
	return nil
}

// Done はリスナー停止時に閉じられる
func (el *eventListener) Done() <-chan struct{} {
	return el.done
}

func priceString(event *model.LedgerEvent) string {
	if event.Price == nil {
		return "0"
	}
	return event.Price.String()
}

// handleEvent はイベントを処理してバックエンドに通知
func (el *eventListener) handleEvent(ctx context.Context, event *model.LedgerEvent) {
	l := logging.L(ctx)
	l.Debugf("Received event: %s (id: %s)", event.Type, event.ID)

	var endpoint string
	var payload interface{}

	switch event.Type {
	case model.EventAssetMinted:
		endpoint = "/api/v1/blockchain/asset-minted"
		payload = map[string]interface{}{
			"event_id":         event.ID,
			"token_id":         event.AssetID,
			"owner":            event.To.Hex(),
			"resource_locator": event.Locator,
			"timestamp":        event.Timestamp.Unix(),
		}

	case model.EventAssetTransferred:
		endpoint = "/api/v1/blockchain/asset-transferred"
		payload = map[string]interface{}{
			"event_id":  event.ID,
			"token_id":  event.AssetID,
			"from":      event.From.Hex(),
			"to":        event.To.Hex(),
			"timestamp": event.Timestamp.Unix(),
		}

	case model.EventItemListed:
		endpoint = "/api/v1/blockchain/item-listed"
		payload = map[string]interface{}{
			"event_id":      event.ID,
			"chain_item_id": event.ItemID,
			"token_id":      event.AssetID,
			"seller":        event.Seller.Hex(),
			"price_wei":     priceString(event),
			"created_at":    event.Timestamp.Unix(),
		}

	case model.EventItemSold:
		endpoint = "/api/v1/blockchain/item-purchased"
		payload = map[string]interface{}{
			"event_id":      event.ID,
			"chain_item_id": event.ItemID,
			"token_id":      event.AssetID,
			"seller":        event.Seller.Hex(),
			"buyer":         event.Buyer.Hex(),
			"price_wei":     priceString(event),
			"timestamp":     event.Timestamp.Unix(),
		}

	case model.EventListingFeeUpdated:
		endpoint = "/api/v1/blockchain/listing-fee-updated"
		payload = map[string]interface{}{
			"event_id":  event.ID,
			"fee_wei":   priceString(event),
			"timestamp": event.Timestamp.Unix(),
		}

	default:
		l.Warnf("Unknown event type: %s", event.Type)
		return
	}

	if err := el.notifier.Notify(ctx, endpoint, payload); err != nil {
		l.Errorf("Failed to notify backend for event %s: %v", event.Type, err)
	} else {
		l.Debugf("Successfully notified backend for event %s (%s)", event.Type, event.ID)
	}
}
