package store

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nft-market-back-ledger/model"
)

// ===============================================
// 1. インターフェース定義
// ===============================================

// Store はレジストリと台帳の永続化を担当
//
// 更新系のメソッドは RunAsGroup の中で呼ばれた場合そのグループに参加し、
// グループ外で呼ばれた場合は単独のトランザクションとして即時コミットされる。
// 参照系のメソッドはグループ内で呼ばれるとグループの変更を読む。
type Store interface {
	// RunAsGroup は fn を1つのトランザクションとして実行する。fn がエラーを返した場合は全ての変更を破棄する
	RunAsGroup(ctx context.Context, fn func(ctx context.Context) error) error

	// PostCommit はグループのコミット後に実行する処理を登録する (グループ外なら即時実行)
	PostCommit(ctx context.Context, fn func())

	// InsertAsset は新しい資産を登録し、採番したIDを asset.ID に設定する
	InsertAsset(ctx context.Context, asset *model.Asset) error

	// GetAsset は資産を取得する。存在しない場合は nil, nil
	GetAsset(ctx context.Context, id uint64) (*model.Asset, error)

	// UpdateAssetHolder は所有者と保管者を更新する
	UpdateAssetHolder(ctx context.Context, id uint64, owner, custodian common.Address) error

	// InsertListing は新しい出品を登録し、採番したIDを listing.ID に設定する
	InsertListing(ctx context.Context, listing *model.Listing) error

	// GetListing は出品を取得する。存在しない場合は nil, nil
	GetListing(ctx context.Context, id uint64) (*model.Listing, error)

	// MarkListingSold は未売却の出品を売却済みにする。既に売却済みなら false
	MarkListingSold(ctx context.Context, id uint64, holder common.Address, soldAt time.Time) (bool, error)

	// GetListings は afterID より大きいIDの出品を昇順で最大 limit 件返す
	GetListings(ctx context.Context, filter *model.ListingFilter, afterID uint64, limit int) ([]*model.Listing, error)

	// GetMarketSettings はマーケット設定を返す。未初期化なら nil, nil
	GetMarketSettings(ctx context.Context) (*model.MarketSettings, error)

	// UpsertMarketSettings はマーケット設定を保存する
	UpsertMarketSettings(ctx context.Context, settings *model.MarketSettings) error

	// CreditBalance はアドレスの記録残高に加算する
	CreditBalance(ctx context.Context, addr common.Address, amount *big.Int) error

	// GetBalance はアドレスの記録残高を返す (記録がなければ0)
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// ClaimPaymentReference は支払い参照を使用済みにする。既に使用済みなら false
	ClaimPaymentReference(ctx context.Context, ref string) (bool, error)

	Close()
}

func copyAsset(a *model.Asset) *model.Asset {
	c := *a
	return &c
}

func copyListing(l *model.Listing) *model.Listing {
	c := *l
	if l.Price != nil {
		c.Price = new(big.Int).Set(l.Price)
	}
	if l.SoldAt != nil {
		t := *l.SoldAt
		c.SoldAt = &t
	}
	return &c
}

func copySettings(s *model.MarketSettings) *model.MarketSettings {
	c := *s
	if s.ListingFee != nil {
		c.ListingFee = new(big.Int).Set(s.ListingFee)
	}
	return &c
}

// matchListing はフィルタ条件に一致するか判定する
func matchListing(filter *model.ListingFilter, l *model.Listing) bool {
	if filter == nil {
		return true
	}
	if filter.Sold != nil && *filter.Sold != l.Sold {
		return false
	}
	if filter.Seller != nil && *filter.Seller != l.Seller {
		return false
	}
	if filter.Holder != nil && *filter.Holder != l.Holder {
		return false
	}
	return true
}
