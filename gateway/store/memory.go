package store

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
)

// ===============================================
// 2. 実装: MemoryStore
// ===============================================

// MemoryStore はプロセス内メモリに状態を保持する Store
// グループは1つの排他ロックで直列化され、失敗時は記録した取り消し処理を逆順に適用する
type MemoryStore struct {
	mu            sync.RWMutex
	assets        map[uint64]*model.Asset
	listings      map[uint64]*model.Listing
	listingIDs    []uint64 // 昇順
	settings      *model.MarketSettings
	balances      map[common.Address]*big.Int
	paymentRefs   map[string]time.Time
	nextAssetID   uint64
	nextListingID uint64
}

type groupContextKey struct{}

type memGroup struct {
	undo       []func()
	postCommit []func()
}

// NewMemoryStore は空の MemoryStore を作成
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[uint64]*model.Asset),
		listings:    make(map[uint64]*model.Listing),
		balances:    make(map[common.Address]*big.Int),
		paymentRefs: make(map[string]time.Time),
	}
}

func getGroup(ctx context.Context) *memGroup {
	if g, ok := ctx.Value(groupContextKey{}).(*memGroup); ok {
		return g
	}
	return nil
}

func (m *MemoryStore) RunAsGroup(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if getGroup(ctx) != nil {
		// 既にグループ内なので外側のグループに参加する
		return fn(ctx)
	}

	m.mu.Lock()
	g := &memGroup{}
	committed := false
	defer func() {
		if !committed {
			for i := len(g.undo) - 1; i >= 0; i-- {
				g.undo[i]()
			}
			logging.L(ctx).Debugf("MEM! group rolled back (%d changes)", len(g.undo))
		}
		m.mu.Unlock()
		if committed {
			for _, pc := range g.postCommit {
				pc()
			}
		}
	}()

	if err = fn(context.WithValue(ctx, groupContextKey{}, g)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) PostCommit(ctx context.Context, fn func()) {
	if g := getGroup(ctx); g != nil {
		g.postCommit = append(g.postCommit, fn)
		return
	}
	fn()
}

// write はグループ内で更新処理を実行する
func (m *MemoryStore) write(ctx context.Context, fn func(g *memGroup) error) error {
	return m.RunAsGroup(ctx, func(ctx context.Context) error {
		return fn(getGroup(ctx))
	})
}

// read はグループ外なら読み取りロックを取って参照処理を実行する
func (m *MemoryStore) read(ctx context.Context, fn func()) {
	if getGroup(ctx) == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	fn()
}

func (m *MemoryStore) InsertAsset(ctx context.Context, asset *model.Asset) error {
	return m.write(ctx, func(g *memGroup) error {
		m.nextAssetID++
		asset.ID = m.nextAssetID
		m.assets[asset.ID] = copyAsset(asset)
		id := asset.ID
		g.undo = append(g.undo, func() { delete(m.assets, id) })
		return nil
	})
}

func (m *MemoryStore) GetAsset(ctx context.Context, id uint64) (asset *model.Asset, err error) {
	m.read(ctx, func() {
		if a, ok := m.assets[id]; ok {
			asset = copyAsset(a)
		}
	})
	return asset, nil
}

func (m *MemoryStore) UpdateAssetHolder(ctx context.Context, id uint64, owner, custodian common.Address) error {
	return m.write(ctx, func(g *memGroup) error {
		a, ok := m.assets[id]
		if !ok {
			return model.ErrUnknownAsset
		}
		prev := copyAsset(a)
		a.Owner = owner
		a.Custodian = custodian
		g.undo = append(g.undo, func() { m.assets[id] = prev })
		return nil
	})
}

func (m *MemoryStore) InsertListing(ctx context.Context, listing *model.Listing) error {
	return m.write(ctx, func(g *memGroup) error {
		m.nextListingID++
		listing.ID = m.nextListingID
		m.listings[listing.ID] = copyListing(listing)
		m.listingIDs = append(m.listingIDs, listing.ID)
		id := listing.ID
		g.undo = append(g.undo, func() {
			delete(m.listings, id)
			m.listingIDs = m.listingIDs[:len(m.listingIDs)-1]
		})
		return nil
	})
}

func (m *MemoryStore) GetListing(ctx context.Context, id uint64) (listing *model.Listing, err error) {
	m.read(ctx, func() {
		if l, ok := m.listings[id]; ok {
			listing = copyListing(l)
		}
	})
	return listing, nil
}

func (m *MemoryStore) MarkListingSold(ctx context.Context, id uint64, holder common.Address, soldAt time.Time) (updated bool, err error) {
	err = m.write(ctx, func(g *memGroup) error {
		l, ok := m.listings[id]
		if !ok {
			return model.ErrUnknownListing
		}
		if l.Sold {
			return nil
		}
		prev := copyListing(l)
		l.Sold = true
		l.Holder = holder
		l.SoldAt = &soldAt
		g.undo = append(g.undo, func() { m.listings[id] = prev })
		updated = true
		return nil
	})
	return updated, err
}

func (m *MemoryStore) GetListings(ctx context.Context, filter *model.ListingFilter, afterID uint64, limit int) (listings []*model.Listing, err error) {
	m.read(ctx, func() {
		for _, id := range m.listingIDs {
			if id <= afterID {
				continue
			}
			l := m.listings[id]
			if !matchListing(filter, l) {
				continue
			}
			listings = append(listings, copyListing(l))
			if limit > 0 && len(listings) >= limit {
				return
			}
		}
	})
	return listings, nil
}

func (m *MemoryStore) GetMarketSettings(ctx context.Context) (settings *model.MarketSettings, err error) {
	m.read(ctx, func() {
		if m.settings != nil {
			settings = copySettings(m.settings)
		}
	})
	return settings, nil
}

func (m *MemoryStore) UpsertMarketSettings(ctx context.Context, settings *model.MarketSettings) error {
	return m.write(ctx, func(g *memGroup) error {
		prev := m.settings
		m.settings = copySettings(settings)
		g.undo = append(g.undo, func() { m.settings = prev })
		return nil
	})
}

func (m *MemoryStore) CreditBalance(ctx context.Context, addr common.Address, amount *big.Int) error {
	return m.write(ctx, func(g *memGroup) error {
		prev, existed := m.balances[addr]
		total := new(big.Int).Set(amount)
		if existed {
			total.Add(total, prev)
		}
		m.balances[addr] = total
		g.undo = append(g.undo, func() {
			if existed {
				m.balances[addr] = prev
			} else {
				delete(m.balances, addr)
			}
		})
		return nil
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, addr common.Address) (balance *big.Int, err error) {
	balance = new(big.Int)
	m.read(ctx, func() {
		if b, ok := m.balances[addr]; ok {
			balance.Set(b)
		}
	})
	return balance, nil
}

func (m *MemoryStore) ClaimPaymentReference(ctx context.Context, ref string) (claimed bool, err error) {
	err = m.write(ctx, func(g *memGroup) error {
		if _, used := m.paymentRefs[ref]; used {
			return nil
		}
		m.paymentRefs[ref] = time.Now()
		g.undo = append(g.undo, func() { delete(m.paymentRefs, ref) })
		claimed = true
		return nil
	})
	return claimed, err
}

func (m *MemoryStore) Close() {}
