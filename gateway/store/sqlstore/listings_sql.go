package sqlstore

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"nft-market-back-ledger/model"
)

const listingsTable = "listings"

var listingColumns = []string{
	"seq",
	"registry",
	"asset_id",
	"seller",
	"holder",
	"price",
	"sold",
	"created_at",
	"sold_at",
}

func (s *SQLStore) InsertListing(ctx context.Context, listing *model.Listing) error {
	return s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		seq, err := s.insertTx(ctx, tx,
			sq.Insert(listingsTable).
				Columns(listingColumns[1:]...).
				Values(
					listing.Asset.Registry.Hex(),
					listing.Asset.AssetID,
					listing.Seller.Hex(),
					listing.Holder.Hex(),
					listing.Price.String(),
					listing.Sold,
					listing.CreatedAt.UnixNano(),
					nil,
				),
		)
		if err != nil {
			return err
		}
		listing.ID = uint64(seq)
		return nil
	})
}

func (s *SQLStore) listingResult(row *sql.Rows) (*model.Listing, error) {
	var (
		listing   model.Listing
		registry  string
		seller    string
		holder    string
		price     string
		createdAt int64
		soldAt    sql.NullInt64
	)
	err := row.Scan(
		&listing.ID,
		&registry,
		&listing.Asset.AssetID,
		&seller,
		&holder,
		&price,
		&listing.Sold,
		&createdAt,
		&soldAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s row", listingsTable)
	}
	p, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return nil, errors.Errorf("invalid price '%s' in listing %d", price, listing.ID)
	}
	listing.Price = p
	listing.Asset.Registry = common.HexToAddress(registry)
	listing.Seller = common.HexToAddress(seller)
	listing.Holder = common.HexToAddress(holder)
	listing.CreatedAt = time.Unix(0, createdAt)
	if soldAt.Valid {
		t := time.Unix(0, soldAt.Int64)
		listing.SoldAt = &t
	}
	return &listing, nil
}

func (s *SQLStore) GetListing(ctx context.Context, id uint64) (*model.Listing, error) {
	rows, err := s.query(ctx,
		sq.Select(listingColumns...).
			From(listingsTable).
			Where(sq.Eq{"seq": id}),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return s.listingResult(rows)
}

func (s *SQLStore) MarkListingSold(ctx context.Context, id uint64, holder common.Address, soldAt time.Time) (updated bool, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		ra, err := s.updateTx(ctx, tx,
			sq.Update(listingsTable).
				Set("sold", true).
				Set("holder", holder.Hex()).
				Set("sold_at", soldAt.UnixNano()).
				Where(sq.Eq{"seq": id, "sold": false}),
		)
		if err != nil {
			return err
		}
		if ra > 0 {
			updated = true
			return nil
		}
		existing, err := s.GetListing(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.Wrapf(model.ErrUnknownListing, "item %d", id)
		}
		return nil
	})
	return updated, err
}

func (s *SQLStore) GetListings(ctx context.Context, filter *model.ListingFilter, afterID uint64, limit int) ([]*model.Listing, error) {
	q := sq.Select(listingColumns...).
		From(listingsTable).
		Where(sq.Gt{"seq": afterID}).
		OrderBy("seq")
	if filter != nil {
		if filter.Sold != nil {
			q = q.Where(sq.Eq{"sold": *filter.Sold})
		}
		if filter.Seller != nil {
			q = q.Where(sq.Eq{"seller": filter.Seller.Hex()})
		}
		if filter.Holder != nil {
			q = q.Where(sq.Eq{"holder": filter.Holder.Hex()})
		}
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := []*model.Listing{}
	for rows.Next() {
		l, err := s.listingResult(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
