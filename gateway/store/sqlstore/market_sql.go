package sqlstore

import (
	"context"
	"math/big"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"nft-market-back-ledger/model"
)

const (
	settingsTable    = "market_settings"
	balancesTable    = "balances"
	paymentRefsTable = "payment_refs"

	settingsRowID = 1
)

func (s *SQLStore) GetMarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	rows, err := s.query(ctx,
		sq.Select("operator", "custody", "listing_fee", "updated_at").
			From(settingsTable).
			Where(sq.Eq{"id": settingsRowID}),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		operator, custody, fee string
		updatedAt              int64
	)
	if err := rows.Scan(&operator, &custody, &fee, &updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s row", settingsTable)
	}
	listingFee, ok := new(big.Int).SetString(fee, 10)
	if !ok {
		return nil, errors.Errorf("invalid listing fee '%s'", fee)
	}
	return &model.MarketSettings{
		Operator:   common.HexToAddress(operator),
		Custody:    common.HexToAddress(custody),
		ListingFee: listingFee,
		UpdatedAt:  time.Unix(0, updatedAt),
	}, nil
}

func (s *SQLStore) UpsertMarketSettings(ctx context.Context, settings *model.MarketSettings) error {
	return s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		existing, err := s.GetMarketSettings(ctx)
		if err != nil {
			return err
		}
		if existing == nil {
			_, err = s.insertTx(ctx, tx,
				sq.Insert(settingsTable).
					Columns("id", "operator", "custody", "listing_fee", "updated_at").
					Values(settingsRowID, settings.Operator.Hex(), settings.Custody.Hex(), settings.ListingFee.String(), settings.UpdatedAt.UnixNano()),
			)
			return err
		}
		_, err = s.updateTx(ctx, tx,
			sq.Update(settingsTable).
				Set("operator", settings.Operator.Hex()).
				Set("custody", settings.Custody.Hex()).
				Set("listing_fee", settings.ListingFee.String()).
				Set("updated_at", settings.UpdatedAt.UnixNano()).
				Where(sq.Eq{"id": settingsRowID}),
		)
		return err
	})
}

func (s *SQLStore) CreditBalance(ctx context.Context, addr common.Address, amount *big.Int) error {
	return s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		current, found, err := s.getBalance(ctx, addr)
		if err != nil {
			return err
		}
		total := new(big.Int).Add(current, amount)
		if !found {
			_, err = s.insertTx(ctx, tx,
				sq.Insert(balancesTable).
					Columns("address", "amount").
					Values(addr.Hex(), total.String()),
			)
			return err
		}
		_, err = s.updateTx(ctx, tx,
			sq.Update(balancesTable).
				Set("amount", total.String()).
				Where(sq.Eq{"address": addr.Hex()}),
		)
		return err
	})
}

func (s *SQLStore) getBalance(ctx context.Context, addr common.Address) (*big.Int, bool, error) {
	rows, err := s.query(ctx,
		sq.Select("amount").
			From(balancesTable).
			Where(sq.Eq{"address": addr.Hex()}),
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return new(big.Int), false, rows.Err()
	}
	var amount string
	if err := rows.Scan(&amount); err != nil {
		return nil, false, errors.Wrapf(err, "failed to read %s row", balancesTable)
	}
	balance, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, false, errors.Errorf("invalid balance '%s' for %s", amount, addr.Hex())
	}
	return balance, true, nil
}

func (s *SQLStore) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, _, err := s.getBalance(ctx, addr)
	return balance, err
}

func (s *SQLStore) ClaimPaymentReference(ctx context.Context, ref string) (claimed bool, err error) {
	err = s.write(ctx, func(ctx context.Context, tx *txWrapper) error {
		rows, err := s.query(ctx,
			sq.Select("ref").
				From(paymentRefsTable).
				Where(sq.Eq{"ref": ref}),
		)
		if err != nil {
			return err
		}
		used := rows.Next()
		rows.Close()
		if used {
			return nil
		}
		_, err = s.insertTx(ctx, tx,
			sq.Insert(paymentRefsTable).
				Columns("ref", "claimed_at").
				Values(ref, time.Now().UnixNano()),
		)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}
