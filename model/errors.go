package model

import (
	"errors"
)

// 台帳が返すエラーの種類。呼び出し側は errors.Is で判定する
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrUnknownListing = errors.New("unknown listing")
	ErrNotOwner       = errors.New("not owner")
	ErrFeeMismatch    = errors.New("listing fee mismatch")
	ErrPriceMismatch  = errors.New("price mismatch")
	ErrAlreadySold    = errors.New("already sold")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidInput, "InvalidInput"},
	{ErrUnknownAsset, "UnknownAsset"},
	{ErrUnknownListing, "UnknownListing"},
	{ErrNotOwner, "NotOwner"},
	{ErrFeeMismatch, "FeeMismatch"},
	{ErrPriceMismatch, "PriceMismatch"},
	{ErrAlreadySold, "AlreadySold"},
}

// KindOf はエラーの種類名を返す。台帳のエラーでなければ空文字
func KindOf(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}
