package sqlstore

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"nft-market-back-ledger/model"
)

const assetsTable = "assets"

var assetColumns = []string{
	"seq",
	"owner",
	"custodian",
	"locator",
	"minted_at",
}

func (s *SQLStore) InsertAsset(ctx context.Context, asset *model.Asset) error {
	return s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		seq, err := s.insertTx(ctx, tx,
			sq.Insert(assetsTable).
				Columns(assetColumns[1:]...).
				Values(
					asset.Owner.Hex(),
					asset.Custodian.Hex(),
					asset.Locator,
					asset.MintedAt.UnixNano(),
				),
		)
		if err != nil {
			return err
		}
		asset.ID = uint64(seq)
		return nil
	})
}

func (s *SQLStore) assetResult(row *sql.Rows) (*model.Asset, error) {
	var (
		asset     model.Asset
		owner     string
		custodian string
		mintedAt  int64
	)
	if err := row.Scan(&asset.ID, &owner, &custodian, &asset.Locator, &mintedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s row", assetsTable)
	}
	asset.Owner = common.HexToAddress(owner)
	asset.Custodian = common.HexToAddress(custodian)
	asset.MintedAt = time.Unix(0, mintedAt)
	return &asset, nil
}

func (s *SQLStore) GetAsset(ctx context.Context, id uint64) (*model.Asset, error) {
	rows, err := s.query(ctx,
		sq.Select(assetColumns...).
			From(assetsTable).
			Where(sq.Eq{"seq": id}),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return s.assetResult(rows)
}

func (s *SQLStore) UpdateAssetHolder(ctx context.Context, id uint64, owner, custodian common.Address) error {
	return s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		ra, err := s.updateTx(ctx, tx,
			sq.Update(assetsTable).
				Set("owner", owner.Hex()).
				Set("custodian", custodian.Hex()).
				Where(sq.Eq{"seq": id}),
		)
		if err != nil {
			return err
		}
		if ra < 1 {
			return errors.Wrapf(model.ErrUnknownAsset, "asset %d", id)
		}
		return nil
	})
}
