package sqlstore

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-market-back-ledger/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	mkt   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	nft   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func newSQLiteTestStore(t *testing.T) (*SQLStore, func()) {
	url := filepath.Join(t.TempDir(), "nftmarket.db")
	s, err := New(context.Background(), url, true)
	require.NoError(t, err)
	return s, s.Close
}

func newMockStore() (*SQLStore, sqlmock.Sqlmock) {
	db, mock, _ := sqlmock.New()
	return NewWithDB(db), mock
}

func TestMigrationsIdempotent(t *testing.T) {
	url := filepath.Join(t.TempDir(), "nftmarket.db")
	s, err := New(context.Background(), url, true)
	require.NoError(t, err)
	s.Close()

	s, err = New(context.Background(), url, true)
	require.NoError(t, err)
	s.Close()
}

func TestAssetsE2EWithDB(t *testing.T) {
	s, cleanup := newSQLiteTestStore(t)
	defer cleanup()
	ctx := context.Background()

	minted := time.Now()
	a1 := &model.Asset{Owner: alice, Locator: "https://example/1", MintedAt: minted}
	a2 := &model.Asset{Owner: alice, Locator: "https://example/2", MintedAt: minted}
	require.NoError(t, s.InsertAsset(ctx, a1))
	require.NoError(t, s.InsertAsset(ctx, a2))
	assert.Equal(t, uint64(1), a1.ID)
	assert.Equal(t, uint64(2), a2.ID)

	read, err := s.GetAsset(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, alice, read.Owner)
	assert.False(t, read.Escrowed())
	assert.Equal(t, "https://example/2", read.Locator)
	assert.Equal(t, minted.UnixNano(), read.MintedAt.UnixNano())

	require.NoError(t, s.UpdateAssetHolder(ctx, 2, alice, mkt))
	read, _ = s.GetAsset(ctx, 2)
	assert.Equal(t, mkt, read.Custodian)
	assert.Equal(t, mkt, read.Holder())

	read, err = s.GetAsset(ctx, 99)
	assert.NoError(t, err)
	assert.Nil(t, read)

	err = s.UpdateAssetHolder(ctx, 99, alice, mkt)
	assert.ErrorIs(t, err, model.ErrUnknownAsset)
}

func TestListingsE2EWithDB(t *testing.T) {
	s, cleanup := newSQLiteTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		seller := alice
		if i == 3 {
			seller = bob
		}
		l := &model.Listing{
			Asset:     model.AssetRef{Registry: nft, AssetID: uint64(i + 1)},
			Seller:    seller,
			Holder:    seller,
			Price:     big.NewInt(1000000000000000000),
			CreatedAt: time.Now(),
		}
		require.NoError(t, s.InsertListing(ctx, l))
		assert.Equal(t, uint64(i+1), l.ID)
	}

	ok, err := s.MarkListingSold(ctx, 1, bob, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkListingSold(ctx, 1, alice, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.MarkListingSold(ctx, 77, bob, time.Now())
	assert.ErrorIs(t, err, model.ErrUnknownListing)

	l, err := s.GetListing(ctx, 1)
	require.NoError(t, err)
	assert.True(t, l.Sold)
	assert.Equal(t, bob, l.Holder)
	assert.Equal(t, alice, l.Seller)
	assert.NotNil(t, l.SoldAt)
	assert.Equal(t, "1000000000000000000", l.Price.String())
	assert.Equal(t, nft, l.Asset.Registry)

	l, err = s.GetListing(ctx, 77)
	assert.NoError(t, err)
	assert.Nil(t, l)

	unsold := false
	page, err := s.GetListings(ctx, &model.ListingFilter{Sold: &unsold}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].ID)
	assert.Equal(t, uint64(3), page[1].ID)
	page, err = s.GetListings(ctx, &model.ListingFilter{Sold: &unsold}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(4), page[0].ID)

	page, err = s.GetListings(ctx, &model.ListingFilter{Holder: &bob}, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].ID)
	assert.Equal(t, uint64(4), page[1].ID)

	page, err = s.GetListings(ctx, &model.ListingFilter{Seller: &alice}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestMarketSettingsBalancesE2EWithDB(t *testing.T) {
	s, cleanup := newSQLiteTestStore(t)
	defer cleanup()
	ctx := context.Background()

	settings, err := s.GetMarketSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, settings)

	require.NoError(t, s.UpsertMarketSettings(ctx, &model.MarketSettings{Operator: alice, Custody: mkt, ListingFee: big.NewInt(25), UpdatedAt: time.Now()}))
	require.NoError(t, s.UpsertMarketSettings(ctx, &model.MarketSettings{Operator: alice, Custody: mkt, ListingFee: big.NewInt(30), UpdatedAt: time.Now()}))
	settings, err = s.GetMarketSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, alice, settings.Operator)
	assert.Equal(t, mkt, settings.Custody)
	assert.Equal(t, int64(30), settings.ListingFee.Int64())

	bal, err := s.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Int64())
	require.NoError(t, s.CreditBalance(ctx, bob, big.NewInt(5)))
	require.NoError(t, s.CreditBalance(ctx, bob, big.NewInt(6)))
	bal, err = s.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(11), bal.Int64())

	claimed, err := s.ClaimPaymentReference(ctx, "0xfeed")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimPaymentReference(ctx, "0xfeed")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunAsGroupRollbackWithDB(t *testing.T) {
	s, cleanup := newSQLiteTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := &model.Asset{Owner: alice, Locator: "https://example/1", MintedAt: time.Now()}
	require.NoError(t, s.InsertAsset(ctx, a))

	fired := false
	err := s.RunAsGroup(ctx, func(ctx context.Context) error {
		s.PostCommit(ctx, func() { fired = true })
		if err := s.UpdateAssetHolder(ctx, a.ID, alice, mkt); err != nil {
			return err
		}
		if err := s.CreditBalance(ctx, mkt, big.NewInt(25)); err != nil {
			return err
		}
		// グループ内では未コミットの変更が見える
		read, err := s.GetAsset(ctx, a.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, mkt, read.Custodian)
		return fmt.Errorf("pop")
	})
	assert.EqualError(t, err, "pop")
	assert.False(t, fired)

	read, err := s.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, read.Escrowed())
	bal, _ := s.GetBalance(ctx, mkt)
	assert.Equal(t, int64(0), bal.Int64())

	err = s.RunAsGroup(ctx, func(ctx context.Context) error {
		s.PostCommit(ctx, func() { fired = true })
		return s.UpdateAssetHolder(ctx, a.ID, alice, mkt)
	})
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestBeginFail(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectBegin().WillReturnError(fmt.Errorf("pop"))
	err := s.RunAsGroup(context.Background(), func(ctx context.Context) error { return nil })
	assert.Regexp(t, "failed to begin database transaction.*pop", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFail(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(fmt.Errorf("pop"))
	err := s.RunAsGroup(context.Background(), func(ctx context.Context) error { return nil })
	assert.Regexp(t, "failed to commit database transaction.*pop", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssetFail(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT .*").WillReturnError(fmt.Errorf("pop"))
	mock.ExpectRollback()
	err := s.InsertAsset(context.Background(), &model.Asset{Owner: alice, Locator: "x"})
	assert.Regexp(t, "database insert failed.*pop", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAssetQueryFail(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectQuery("SELECT .*").WillReturnError(fmt.Errorf("pop"))
	_, err := s.GetAsset(context.Background(), 1)
	assert.Regexp(t, "database query failed.*pop", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetListingsBadPrice(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectQuery("SELECT .*").WillReturnRows(
		sqlmock.NewRows(listingColumns).AddRow(1, nft.Hex(), 1, alice.Hex(), alice.Hex(), "not-a-number", false, 0, nil),
	)
	_, err := s.GetListings(context.Background(), nil, 0, 10)
	assert.Regexp(t, "invalid price", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkListingSoldUpdateFail(t *testing.T) {
	s, mock := newMockStore()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE .*").WillReturnError(fmt.Errorf("pop"))
	mock.ExpectRollback()
	_, err := s.MarkListingSold(context.Background(), 1, bob, time.Now())
	assert.Regexp(t, "database update failed.*pop", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
