package gateway

import (
	"context"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
)

var txHashRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ===============================================
// 1. インターフェース定義
// ===============================================

// PaymentVerifier はオンチェーンの送金を検証する支払いチャネル
type PaymentVerifier interface {
	// VerifyPayment はTxハッシュの送金が payee 宛てに成功していることを確認し、送金額 (Wei) を返す
	VerifyPayment(ctx context.Context, txHash string, payee common.Address) (*big.Int, error)
}

// ChainReader は検証に必要なノードAPI (ethclient.Client が満たす)
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ===============================================
// 2. 実装: EthGateway
// ===============================================

type EthGateway struct {
	client ChainReader
}

// NewEthGateway は ethclient.Client などの ChainReader を受け取る
func NewEthGateway(client ChainReader) *EthGateway {
	return &EthGateway{client: client}
}

// VerifyPayment はETH送金トランザクションを検証する
// 金額の一致判定は台帳側で行うため、ここでは実際の送金額をそのまま返す
func (g *EthGateway) VerifyPayment(ctx context.Context, txHash string, payee common.Address) (*big.Int, error) {
	l := logging.L(ctx)

	// 1. TxHashの形式を検証
	if !txHashRegexp.MatchString(txHash) {
		return nil, errors.Wrapf(model.ErrInvalidInput, "invalid transaction hash '%s'", txHash)
	}
	hash := common.HexToHash(txHash)

	// 2. トランザクションが存在するか、Pendingでないかを確認
	tx, isPending, err := g.client.TransactionByHash(ctx, hash)
	if err != nil {
		l.Errorf("Error retrieving transaction %s: %v", txHash, err)
		return nil, errors.Wrap(err, "transaction not found or node error")
	}
	if isPending {
		return nil, errors.Wrapf(model.ErrInvalidInput, "transaction %s is still pending", txHash)
	}

	// 3. レシートを取得し、Txが成功したかを確認
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		l.Errorf("Error retrieving receipt for transaction %s: %v", txHash, err)
		return nil, errors.Wrap(err, "failed to get transaction receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.Wrapf(model.ErrInvalidInput, "transaction %s failed on chain (reverted)", txHash)
	}

	// 4. 送金先アドレス (To Address) の検証
	if tx.To() == nil {
		return nil, errors.Wrapf(model.ErrInvalidInput, "transaction %s is not a transfer", txHash)
	}
	if *tx.To() != payee {
		return nil, errors.Wrapf(model.ErrInvalidInput, "transaction %s sent to %s, expected %s", txHash, tx.To().Hex(), payee.Hex())
	}

	l.Infof("Payment verified: %s Wei to %s (tx: %s)", tx.Value().String(), payee.Hex(), txHash)
	return new(big.Int).Set(tx.Value()), nil
}
