package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset はレジストリが管理する個別のデジタル資産
type Asset struct {
	ID        uint64         `json:"asset_id"`
	Owner     common.Address `json:"owner"`     // 法的な所有者
	Custodian common.Address `json:"custodian"` // エスクロー中の保管者 (ゼロアドレスなら未エスクロー)
	Locator   string         `json:"resource_locator"`
	MintedAt  time.Time      `json:"minted_at"`
}

// Escrowed はエスクロー中かどうか
func (a *Asset) Escrowed() bool {
	return a.Custodian != (common.Address{})
}

// Holder は現在この資産を動かせるアドレスを返す
func (a *Asset) Holder() common.Address {
	if a.Escrowed() {
		return a.Custodian
	}
	return a.Owner
}

// AssetRef はリスティングから資産への参照 (レジストリアドレス + 資産ID)
type AssetRef struct {
	Registry common.Address `json:"registry"`
	AssetID  uint64         `json:"asset_id"`
}

func (r AssetRef) String() string {
	return fmt.Sprintf("%s/%d", r.Registry.Hex(), r.AssetID)
}

// Listing はマーケットの出品レコード
type Listing struct {
	ID        uint64         `json:"item_id"`
	Asset     AssetRef       `json:"asset"`
	Seller    common.Address `json:"seller"`
	Holder    common.Address `json:"owner"` // 売上の受け取り主体 (売却後は購入者)
	Price     *big.Int       `json:"price"`
	Sold      bool           `json:"sold"`
	CreatedAt time.Time      `json:"created_at"`
	SoldAt    *time.Time     `json:"sold_at,omitempty"`
}

// MarketItem はクライアントに返す出品情報 (price, tokenId, seller, owner, tokenUri)
type MarketItem struct {
	ItemID   uint64         `json:"item_id"`
	TokenID  uint64         `json:"token_id"`
	Registry common.Address `json:"registry"`
	Price    *big.Int       `json:"price"`
	Seller   common.Address `json:"seller"`
	Owner    common.Address `json:"owner"`
	TokenURI string         `json:"token_uri"`
	Sold     bool           `json:"sold"`
}

// Payment は支払い額と、任意の支払い参照 (オンチェーンのTxハッシュなど)
type Payment struct {
	Amount    *big.Int
	Reference string
}

// MarketSettings はマーケットのインスタンス状態
type MarketSettings struct {
	Operator   common.Address `json:"operator"`
	Custody    common.Address `json:"custody"`
	ListingFee *big.Int       `json:"listing_fee"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ListingFilter は出品一覧の絞り込み条件
type ListingFilter struct {
	Sold   *bool
	Seller *common.Address
	Holder *common.Address
}

// ===============================================
// 台帳イベント
// ===============================================

// EventType は台帳イベントの種類
type EventType string

const (
	EventAssetMinted       EventType = "AssetMinted"
	EventAssetTransferred  EventType = "AssetTransferred"
	EventItemListed        EventType = "ItemListed"
	EventItemSold          EventType = "ItemSold"
	EventListingFeeUpdated EventType = "ListingFeeUpdated"
)

// LedgerEvent はコミット後に発行されるイベント
type LedgerEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AssetID   uint64         `json:"asset_id,omitempty"`
	ItemID    uint64         `json:"item_id,omitempty"`
	From      common.Address `json:"from,omitempty"`
	To        common.Address `json:"to,omitempty"`
	Seller    common.Address `json:"seller,omitempty"`
	Buyer     common.Address `json:"buyer,omitempty"`
	Price     *big.Int       `json:"price,omitempty"`
	Locator   string         `json:"resource_locator,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
