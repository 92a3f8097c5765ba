package store

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-market-back-ledger/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	mkt   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestMemoryAssetsE2E(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	a1 := &model.Asset{Owner: alice, Locator: "https://example/1"}
	a2 := &model.Asset{Owner: alice, Locator: "https://example/2"}
	require.NoError(t, s.InsertAsset(ctx, a1))
	require.NoError(t, s.InsertAsset(ctx, a2))
	assert.Equal(t, uint64(1), a1.ID)
	assert.Equal(t, uint64(2), a2.ID)

	err := s.UpdateAssetHolder(ctx, 1, alice, mkt)
	require.NoError(t, err)

	read, err := s.GetAsset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, read.Owner)
	assert.Equal(t, mkt, read.Custodian)

	// 返された値を書き換えても内部状態は変わらない
	read.Owner = bob
	read, _ = s.GetAsset(ctx, 1)
	assert.Equal(t, alice, read.Owner)

	read, err = s.GetAsset(ctx, 99)
	assert.NoError(t, err)
	assert.Nil(t, read)

	err = s.UpdateAssetHolder(ctx, 99, alice, mkt)
	assert.ErrorIs(t, err, model.ErrUnknownAsset)
}

func TestMemoryGroupRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := &model.Asset{Owner: alice, Locator: "https://example/1"}
	require.NoError(t, s.InsertAsset(ctx, a))
	require.NoError(t, s.UpsertMarketSettings(ctx, &model.MarketSettings{Operator: mkt, ListingFee: big.NewInt(10)}))

	fired := false
	err := s.RunAsGroup(ctx, func(ctx context.Context) error {
		s.PostCommit(ctx, func() { fired = true })
		if err := s.UpdateAssetHolder(ctx, a.ID, alice, mkt); err != nil {
			return err
		}
		if err := s.InsertListing(ctx, &model.Listing{Asset: model.AssetRef{AssetID: a.ID}, Seller: alice, Holder: alice, Price: big.NewInt(5)}); err != nil {
			return err
		}
		if err := s.CreditBalance(ctx, mkt, big.NewInt(10)); err != nil {
			return err
		}
		if err := s.UpsertMarketSettings(ctx, &model.MarketSettings{Operator: mkt, ListingFee: big.NewInt(20)}); err != nil {
			return err
		}
		claimed, err := s.ClaimPaymentReference(ctx, "0xabc")
		assert.True(t, claimed)
		if err != nil {
			return err
		}
		// グループ内では自身の変更が見える
		l, _ := s.GetListings(ctx, nil, 0, 0)
		assert.Len(t, l, 1)
		return fmt.Errorf("pop")
	})
	assert.EqualError(t, err, "pop")
	assert.False(t, fired)

	read, _ := s.GetAsset(ctx, a.ID)
	assert.Equal(t, common.Address{}, read.Custodian)
	listings, _ := s.GetListings(ctx, nil, 0, 0)
	assert.Empty(t, listings)
	bal, _ := s.GetBalance(ctx, mkt)
	assert.Equal(t, int64(0), bal.Int64())
	settings, _ := s.GetMarketSettings(ctx)
	assert.Equal(t, int64(10), settings.ListingFee.Int64())
	claimed, _ := s.ClaimPaymentReference(ctx, "0xabc")
	assert.True(t, claimed)
}

func TestMemoryGroupCommitRunsPostCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	fired := 0
	err := s.RunAsGroup(ctx, func(ctx context.Context) error {
		s.PostCommit(ctx, func() { fired++ })
		// ネストしたグループは外側に参加する
		return s.RunAsGroup(ctx, func(ctx context.Context) error {
			s.PostCommit(ctx, func() { fired++ })
			return s.CreditBalance(ctx, bob, big.NewInt(7))
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, fired)

	s.PostCommit(ctx, func() { fired++ })
	assert.Equal(t, 3, fired)

	bal, _ := s.GetBalance(ctx, bob)
	assert.Equal(t, int64(7), bal.Int64())
}

func TestMemoryListingsFilterAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seller := alice
		if i%2 == 1 {
			seller = bob
		}
		l := &model.Listing{Asset: model.AssetRef{AssetID: uint64(i + 1)}, Seller: seller, Holder: seller, Price: big.NewInt(100)}
		require.NoError(t, s.InsertListing(ctx, l))
		assert.Equal(t, uint64(i+1), l.ID)
	}

	ok, err := s.MarkListingSold(ctx, 3, bob, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkListingSold(ctx, 3, alice, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.MarkListingSold(ctx, 42, alice, time.Now())
	assert.ErrorIs(t, err, model.ErrUnknownListing)

	unsold := false
	page, err := s.GetListings(ctx, &model.ListingFilter{Sold: &unsold}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].ID)
	assert.Equal(t, uint64(2), page[1].ID)

	page, err = s.GetListings(ctx, &model.ListingFilter{Sold: &unsold}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(4), page[0].ID)
	assert.Equal(t, uint64(5), page[1].ID)

	page, _ = s.GetListings(ctx, &model.ListingFilter{Holder: &bob}, 0, 0)
	require.Len(t, page, 3)
	assert.Equal(t, []uint64{2, 3, 4}, []uint64{page[0].ID, page[1].ID, page[2].ID})

	page, _ = s.GetListings(ctx, &model.ListingFilter{Seller: &alice}, 0, 0)
	require.Len(t, page, 3)
	assert.True(t, page[1].Sold)
	assert.Equal(t, bob, page[1].Holder)
}

func TestMemoryConcurrentGroupsSerialize(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := &model.Listing{Seller: alice, Holder: alice, Price: big.NewInt(1)}
	require.NoError(t, s.InsertListing(ctx, l))

	var wg sync.WaitGroup
	var mux sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunAsGroup(ctx, func(ctx context.Context) error {
				cur, _ := s.GetListing(ctx, l.ID)
				if cur.Sold {
					return nil
				}
				ok, err := s.MarkListingSold(ctx, l.ID, bob, time.Now())
				if ok {
					mux.Lock()
					wins++
					mux.Unlock()
				}
				return err
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
