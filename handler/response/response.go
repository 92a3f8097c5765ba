package response

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"nft-market-back-ledger/logging"
	"nft-market-back-ledger/model"
)

// ErrorResponse はエラー時のレスポンスボディ
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

var kindStatus = map[string]int{
	"InvalidInput":   http.StatusBadRequest,
	"UnknownAsset":   http.StatusNotFound,
	"UnknownListing": http.StatusNotFound,
	"NotOwner":       http.StatusForbidden,
	"FeeMismatch":    http.StatusPaymentRequired,
	"PriceMismatch":  http.StatusPaymentRequired,
	"AlreadySold":    http.StatusConflict,
}

// StatusOf はエラーの種類からHTTPステータスを決める。台帳のエラーでなければ500
func StatusOf(err error) int {
	if status, ok := kindStatus[model.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// JSON はステータスとJSONボディを書き込む
func JSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Error はエラーを種類付きで返す
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logging.L(r.Context()).Errorf("%s %s failed: %s", r.Method, r.URL.Path, err)
	}
	JSON(w, status, &ErrorResponse{Error: err.Error(), Kind: model.KindOf(err)})
}

// Decode はリクエストボディを読み込む
func Decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(model.ErrInvalidInput, "invalid request body")
	}
	return nil
}

// ParseAddress は 0x 形式のアドレスを検証して変換する
func ParseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Wrapf(model.ErrInvalidInput, "%s must be a 0x address", field)
	}
	return common.HexToAddress(s), nil
}

// ParseWei は10進文字列の金額 (Wei) を変換する
func ParseWei(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.Wrapf(model.ErrInvalidInput, "%s must be a decimal amount in wei", field)
	}
	return v, nil
}

// ParseID はパス変数のIDを変換する
func ParseID(field, s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(model.ErrInvalidInput, "invalid %s", field)
	}
	return id, nil
}

// WeiToEther は表示用にWeiをETH単位の文字列にする
func WeiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}
