package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"nft-market-back-ledger/gateway/store"
	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
	events "nft-market-back-ledger/usecase/events"
)

// RegistryUsecase は資産レジストリのビジネスロジック
type RegistryUsecase interface {
	// Address はレジストリ自身の識別アドレス
	Address() common.Address

	// Mint は新しい資産を発行し、採番したIDを返す
	Mint(ctx context.Context, locator string, owner common.Address) (uint64, error)

	// Transfer は所有者 from から to へ資産を移す。エスクロー中の資産は移転できない
	Transfer(ctx context.Context, assetID uint64, from, to common.Address) error

	// Release は保管者 custodian がエスクローを解除して to へ資産を引き渡す (台帳の売却専用)
	Release(ctx context.Context, assetID uint64, custodian, to common.Address) error

	// Escrow は所有者のまま保管者に資産を預ける
	Escrow(ctx context.Context, assetID uint64, owner, custodian common.Address) error

	// OwnerOf は資産の所有者を返す
	OwnerOf(ctx context.Context, assetID uint64) (common.Address, error)

	// HolderOf は資産を現在動かせるアドレス (エスクロー中なら保管者) を返す
	HolderOf(ctx context.Context, assetID uint64) (common.Address, error)

	// LocatorOf は資産のリソースロケータを返す
	LocatorOf(ctx context.Context, assetID uint64) (string, error)

	// GetAsset は資産の全情報を返す
	GetAsset(ctx context.Context, assetID uint64) (*model.Asset, error)
}

type registryUsecase struct {
	store     store.Store
	address   common.Address
	publisher events.Publisher
	locators  *lru.Cache
}

func NewRegistryUsecase(s store.Store, address common.Address, publisher events.Publisher, cacheSize int) (*registryUsecase, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	locators, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &registryUsecase{
		store:     s,
		address:   address,
		publisher: publisher,
		locators:  locators,
	}, nil
}

func (uc *registryUsecase) Address() common.Address {
	return uc.address
}

func (uc *registryUsecase) Mint(ctx context.Context, locator string, owner common.Address) (uint64, error) {
	if strings.TrimSpace(locator) == "" {
		return 0, errors.Wrap(model.ErrInvalidInput, "resource locator is required")
	}
	if owner == (common.Address{}) {
		return 0, errors.Wrap(model.ErrInvalidInput, "owner is required")
	}

	asset := &model.Asset{
		Owner:    owner,
		Locator:  locator,
		MintedAt: time.Now(),
	}
	err := uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		if err := uc.store.InsertAsset(ctx, asset); err != nil {
			return err
		}
		event := events.NewEvent(model.EventAssetMinted)
		event.AssetID = asset.ID
		event.To = owner
		event.Locator = locator
		uc.store.PostCommit(ctx, func() {
			uc.locators.Add(asset.ID, locator)
			uc.publisher.Publish(event)
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.L(ctx).Infof("Minted asset %d for %s", asset.ID, owner.Hex())
	return asset.ID, nil
}

// getAsset は存在しない資産を UnknownAsset として返す
func (uc *registryUsecase) getAsset(ctx context.Context, assetID uint64) (*model.Asset, error) {
	asset, err := uc.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, errors.Wrapf(model.ErrUnknownAsset, "asset %d", assetID)
	}
	return asset, nil
}

func (uc *registryUsecase) Transfer(ctx context.Context, assetID uint64, from, to common.Address) error {
	return uc.move(ctx, assetID, from, to, func(asset *model.Asset) error {
		if asset.Escrowed() {
			return errors.Wrapf(model.ErrNotOwner, "asset %d is held in escrow by %s", assetID, asset.Custodian.Hex())
		}
		if asset.Owner != from {
			return errors.Wrapf(model.ErrNotOwner, "asset %d is not owned by %s", assetID, from.Hex())
		}
		return nil
	})
}

func (uc *registryUsecase) Release(ctx context.Context, assetID uint64, custodian, to common.Address) error {
	return uc.move(ctx, assetID, custodian, to, func(asset *model.Asset) error {
		if !asset.Escrowed() || asset.Custodian != custodian {
			return errors.Wrapf(model.ErrNotOwner, "asset %d is not held in escrow by %s", assetID, custodian.Hex())
		}
		return nil
	})
}

// move は check を通った資産を to へ移し、エスクローを解除する
func (uc *registryUsecase) move(ctx context.Context, assetID uint64, from, to common.Address, check func(asset *model.Asset) error) error {
	if to == (common.Address{}) {
		return errors.Wrap(model.ErrInvalidInput, "recipient is required")
	}
	return uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		asset, err := uc.getAsset(ctx, assetID)
		if err != nil {
			return err
		}
		if err := check(asset); err != nil {
			return err
		}
		if err := uc.store.UpdateAssetHolder(ctx, assetID, to, common.Address{}); err != nil {
			return err
		}

		event := events.NewEvent(model.EventAssetTransferred)
		event.AssetID = assetID
		event.From = from
		event.To = to
		uc.store.PostCommit(ctx, func() { uc.publisher.Publish(event) })
		logging.L(ctx).Debugf("Asset %d transferred %s -> %s", assetID, from.Hex(), to.Hex())
		return nil
	})
}

func (uc *registryUsecase) Escrow(ctx context.Context, assetID uint64, owner, custodian common.Address) error {
	if custodian == (common.Address{}) {
		return errors.Wrap(model.ErrInvalidInput, "custodian is required")
	}
	return uc.store.RunAsGroup(ctx, func(ctx context.Context) error {
		asset, err := uc.getAsset(ctx, assetID)
		if err != nil {
			return err
		}
		if asset.Escrowed() {
			return errors.Wrapf(model.ErrNotOwner, "asset %d is already held in escrow by %s", assetID, asset.Custodian.Hex())
		}
		if asset.Owner != owner {
			return errors.Wrapf(model.ErrNotOwner, "asset %d is not owned by %s", assetID, owner.Hex())
		}
		return uc.store.UpdateAssetHolder(ctx, assetID, owner, custodian)
	})
}

func (uc *registryUsecase) OwnerOf(ctx context.Context, assetID uint64) (common.Address, error) {
	asset, err := uc.getAsset(ctx, assetID)
	if err != nil {
		return common.Address{}, err
	}
	return asset.Owner, nil
}

func (uc *registryUsecase) HolderOf(ctx context.Context, assetID uint64) (common.Address, error) {
	asset, err := uc.getAsset(ctx, assetID)
	if err != nil {
		return common.Address{}, err
	}
	return asset.Holder(), nil
}

func (uc *registryUsecase) LocatorOf(ctx context.Context, assetID uint64) (string, error) {
	// ロケータは不変なのでキャッシュは無効化不要
	if cached, ok := uc.locators.Get(assetID); ok {
		return cached.(string), nil
	}
	asset, err := uc.getAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	uc.locators.Add(assetID, asset.Locator)
	return asset.Locator, nil
}

func (uc *registryUsecase) GetAsset(ctx context.Context, assetID uint64) (*model.Asset, error) {
	return uc.getAsset(ctx, assetID)
}
