package usecase

import (
	"context"
	"iter"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"nft-market-back-ledger/gateway/store"
	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
	events "nft-market-back-ledger/usecase/events"
	registry "nft-market-back-ledger/usecase/registry"
)

const defaultPageSize = 50

// MarketUsecase はマーケット台帳のビジネスロジック
type MarketUsecase interface {
	// Settings は運営者・保管アドレス・現在の出品手数料を返す
	Settings(ctx context.Context) (*model.MarketSettings, error)

	// ListingFee は現在の出品手数料を返す
	ListingFee(ctx context.Context) (*big.Int, error)

	// UpdateListingFee は出品手数料を変更する (運営者のみ)
	UpdateListingFee(ctx context.Context, caller common.Address, fee *big.Int) error

	// List は資産をエスクローして出品し、出品IDを返す
	List(ctx context.Context, ref model.AssetRef, seller common.Address, price *big.Int, fee model.Payment) (uint64, error)

	// Sale は出品を購入する。資産の移転・代金の送付・売却済みへの遷移は全て同時に反映される
	Sale(ctx context.Context, itemID uint64, buyer common.Address, payment model.Payment) error

	// GetItem は出品情報を返す
	GetItem(ctx context.Context, itemID uint64) (*model.MarketItem, error)

	// FetchUnsold は未売却の出品を出品ID昇順で返す
	FetchUnsold(ctx context.Context) iter.Seq2[*model.MarketItem, error]

	// FetchBySeller は seller が出品した全ての出品を出品ID昇順で返す
	FetchBySeller(ctx context.Context, seller common.Address) iter.Seq2[*model.MarketItem, error]

	// FetchByHolder は holder が現在保有者である出品を出品ID昇順で返す
	FetchByHolder(ctx context.Context, holder common.Address) iter.Seq2[*model.MarketItem, error]

	// BalanceOf は台帳が記録した受取額の合計を返す
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// MarketConfig は台帳の初期化パラメータ
type MarketConfig struct {
	Operator   common.Address
	Custody    common.Address
	ListingFee *big.Int
	PageSize   int
}

type marketUsecase struct {
	store     store.Store
	registry  registry.RegistryUsecase
	publisher events.Publisher
	pageSize  int
}

// NewMarketUsecase は台帳を初期化する。store はレジストリと同じものを渡すこと
// 既に設定が保存されている場合は保存済みの手数料を引き継ぐ
func NewMarketUsecase(ctx context.Context, s store.Store, reg registry.RegistryUsecase, publisher events.Publisher, cfg MarketConfig) (*marketUsecase, error) {
	if cfg.Operator == (common.Address{}) {
		return nil, errors.Wrap(model.ErrInvalidInput, "market operator is required")
	}
	if cfg.Custody == (common.Address{}) {
		return nil, errors.Wrap(model.ErrInvalidInput, "market custody address is required")
	}
	if cfg.ListingFee == nil || cfg.ListingFee.Sign() < 0 {
		return nil, errors.Wrap(model.ErrInvalidInput, "listing fee must not be negative")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	err := s.RunAsGroup(ctx, func(ctx context.Context) error {
		existing, err := s.GetMarketSettings(ctx)
		if err != nil {
			return err
		}
		if existing == nil {
			return s.UpsertMarketSettings(ctx, &model.MarketSettings{
				Operator:   cfg.Operator,
				Custody:    cfg.Custody,
				ListingFee: new(big.Int).Set(cfg.ListingFee),
				UpdatedAt:  time.Now(),
			})
		}
		if existing.Operator != cfg.Operator || existing.Custody != cfg.Custody {
			return errors.Wrapf(model.ErrInvalidInput, "configured operator %s / custody %s do not match the ledger (%s / %s)",
				cfg.Operator.Hex(), cfg.Custody.Hex(), existing.Operator.Hex(), existing.Custody.Hex())
		}
		logging.L(ctx).Infof("Resuming ledger with listing fee %s", existing.ListingFee.String())
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &marketUsecase{
		store:     s,
		registry:  reg,
		publisher: publisher,
		pageSize:  cfg.PageSize,
	}, nil
}

func (uc *marketUsecase) Settings(ctx context.Context) (*model.MarketSettings, error) {
	settings, err := uc.store.GetMarketSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, errors.New("market settings are not initialized")
	}
	return settings, nil
}

func (uc *marketUsecase) ListingFee(ctx context.Context) (*big.Int, error) {
	settings, err := uc.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return settings.ListingFee, nil
}

func (uc *marketUsecase) UpdateListingFee(ctx context.Context, caller common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return errors.Wrap(model.ErrInvalidInput, "listing fee must not be negative")
	}
	return uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		settings, err := uc.Settings(ctx)
		if err != nil {
			return err
		}
		if settings.Operator != caller {
			return errors.Wrapf(model.ErrNotOwner, "only the operator can update the listing fee")
		}
		previous := settings.ListingFee
		settings.ListingFee = new(big.Int).Set(fee)
		settings.UpdatedAt = time.Now()
		if err := uc.store.UpsertMarketSettings(ctx, settings); err != nil {
			return err
		}

		event := events.NewEvent(model.EventListingFeeUpdated)
		event.Price = new(big.Int).Set(fee)
		uc.store.PostCommit(ctx, func() { uc.publisher.Publish(event) })
		logging.L(ctx).Infof("Listing fee updated %s -> %s", previous.String(), fee.String())
		return nil
	})
}

// claimPayment は支払い参照を使用済みにする (参照がなければ何もしない)
func (uc *marketUsecase) claimPayment(ctx context.Context, payment model.Payment) error {
	if payment.Reference == "" {
		return nil
	}
	claimed, err := uc.store.ClaimPaymentReference(ctx, payment.Reference)
	if err != nil {
		return err
	}
	if !claimed {
		return errors.Wrapf(model.ErrInvalidInput, "payment %s has already been used", payment.Reference)
	}
	return nil
}

func paidAmount(payment model.Payment) *big.Int {
	if payment.Amount == nil {
		return new(big.Int)
	}
	return payment.Amount
}

func (uc *marketUsecase) List(ctx context.Context, ref model.AssetRef, seller common.Address, price *big.Int, fee model.Payment) (uint64, error) {
	if price == nil || price.Sign() <= 0 {
		return 0, errors.Wrap(model.ErrInvalidInput, "price must be at least 1 wei")
	}
	if seller == (common.Address{}) {
		return 0, errors.Wrap(model.ErrInvalidInput, "seller is required")
	}
	if ref.Registry != uc.registry.Address() {
		return 0, errors.Wrapf(model.ErrUnknownAsset, "registry %s is not served by this market", ref.Registry.Hex())
	}

	ctx = logging.WithLogField(ctx, "asset", ref.String())
	listing := &model.Listing{
		Asset:  ref,
		Seller: seller,
		Holder: seller,
		Price:  new(big.Int).Set(price),
	}
	err := uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		// 手数料はこのグループ内で読んだ値で一貫して判定する
		settings, err := uc.Settings(ctx)
		if err != nil {
			return err
		}
		paid := paidAmount(fee)
		if paid.Cmp(settings.ListingFee) != 0 {
			return errors.Wrapf(model.ErrFeeMismatch, "paid %s, listing fee is %s", paid.String(), settings.ListingFee.String())
		}

		if err := uc.registry.Escrow(ctx, ref.AssetID, seller, settings.Custody); err != nil {
			return err
		}
		if err := uc.claimPayment(ctx, fee); err != nil {
			return err
		}

		listing.CreatedAt = time.Now()
		if err := uc.store.InsertListing(ctx, listing); err != nil {
			return err
		}
		if paid.Sign() > 0 {
			if err := uc.store.CreditBalance(ctx, settings.Operator, paid); err != nil {
				return err
			}
		}

		event := events.NewEvent(model.EventItemListed)
		event.ItemID = listing.ID
		event.AssetID = ref.AssetID
		event.Seller = seller
		event.Price = new(big.Int).Set(price)
		uc.store.PostCommit(ctx, func() { uc.publisher.Publish(event) })
		return nil
	})
	if err != nil {
		logging.L(ctx).Debugf("Listing rejected: %s", err)
		return 0, err
	}

	logging.L(ctx).Infof("Listed item %d for %s wei by %s", listing.ID, price.String(), seller.Hex())
	return listing.ID, nil
}

func (uc *marketUsecase) getListing(ctx context.Context, itemID uint64) (*model.Listing, error) {
	listing, err := uc.store.GetListing(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, errors.Wrapf(model.ErrUnknownListing, "item %d", itemID)
	}
	return listing, nil
}

func (uc *marketUsecase) Sale(ctx context.Context, itemID uint64, buyer common.Address, payment model.Payment) error {
	if buyer == (common.Address{}) {
		return errors.Wrap(model.ErrInvalidInput, "buyer is required")
	}

	ctx = logging.WithLogField(ctx, "item", strconv.FormatUint(itemID, 10))
	var sold *model.Listing
	err := uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		listing, err := uc.getListing(ctx, itemID)
		if err != nil {
			return err
		}
		if listing.Sold {
			return errors.Wrapf(model.ErrAlreadySold, "item %d", itemID)
		}
		paid := paidAmount(payment)
		if paid.Cmp(listing.Price) != 0 {
			return errors.Wrapf(model.ErrPriceMismatch, "paid %s, asking price is %s", paid.String(), listing.Price.String())
		}
		if err := uc.claimPayment(ctx, payment); err != nil {
			return err
		}

		settings, err := uc.Settings(ctx)
		if err != nil {
			return err
		}

		// (a) 資産を購入者へ (エスクロー解除)
		if err := uc.registry.Release(ctx, listing.Asset.AssetID, settings.Custody, buyer); err != nil {
			return err
		}
		// (b) 代金を出品者へ
		if err := uc.store.CreditBalance(ctx, listing.Seller, listing.Price); err != nil {
			return err
		}
		// (c)(d) 売却済みにして保有者を購入者へ
		updated, err := uc.store.MarkListingSold(ctx, itemID, buyer, time.Now())
		if err != nil {
			return err
		}
		if !updated {
			return errors.Wrapf(model.ErrAlreadySold, "item %d", itemID)
		}

		event := events.NewEvent(model.EventItemSold)
		event.ItemID = itemID
		event.AssetID = listing.Asset.AssetID
		event.Seller = listing.Seller
		event.Buyer = buyer
		event.Price = new(big.Int).Set(listing.Price)
		uc.store.PostCommit(ctx, func() { uc.publisher.Publish(event) })
		sold = listing
		return nil
	})
	if err != nil {
		logging.L(ctx).Debugf("Sale rejected: %s", err)
		return err
	}

	logging.L(ctx).Infof("Sold item %d to %s for %s wei", itemID, buyer.Hex(), sold.Price.String())
	return nil
}

func (uc *marketUsecase) toMarketItem(ctx context.Context, listing *model.Listing) (*model.MarketItem, error) {
	locator, err := uc.registry.LocatorOf(ctx, listing.Asset.AssetID)
	if err != nil {
		return nil, err
	}
	return &model.MarketItem{
		ItemID:   listing.ID,
		TokenID:  listing.Asset.AssetID,
		Registry: listing.Asset.Registry,
		Price:    listing.Price,
		Seller:   listing.Seller,
		Owner:    listing.Holder,
		TokenURI: locator,
		Sold:     listing.Sold,
	}, nil
}

func (uc *marketUsecase) GetItem(ctx context.Context, itemID uint64) (*model.MarketItem, error) {
	listing, err := uc.getListing(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return uc.toMarketItem(ctx, listing)
}

// fetch はストアをページ単位で読み進める。range のたびに先頭から読み直す
func (uc *marketUsecase) fetch(ctx context.Context, filter *model.ListingFilter) iter.Seq2[*model.MarketItem, error] {
	return func(yield func(*model.MarketItem, error) bool) {
		var after uint64
		for {
			page, err := uc.store.GetListings(ctx, filter, after, uc.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, listing := range page {
				item, err := uc.toMarketItem(ctx, listing)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(item, nil) {
					return
				}
				after = listing.ID
			}
			if len(page) < uc.pageSize {
				return
			}
		}
	}
}

func (uc *marketUsecase) FetchUnsold(ctx context.Context) iter.Seq2[*model.MarketItem, error] {
	unsold := false
	return uc.fetch(ctx, &model.ListingFilter{Sold: &unsold})
}

func (uc *marketUsecase) FetchBySeller(ctx context.Context, seller common.Address) iter.Seq2[*model.MarketItem, error] {
	return uc.fetch(ctx, &model.ListingFilter{Seller: &seller})
}

func (uc *marketUsecase) FetchByHolder(ctx context.Context, holder common.Address) iter.Seq2[*model.MarketItem, error] {
	return uc.fetch(ctx, &model.ListingFilter{Holder: &holder})
}

func (uc *marketUsecase) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return uc.store.GetBalance(ctx, addr)
}
