package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	paymentGateway "nft-market-back-ledger/gateway/payment"
	"nft-market-back-ledger/handler/response"
	"nft-market-back-ledger/model"
	market "nft-market-back-ledger/usecase/market"
	registry "nft-market-back-ledger/usecase/registry"
)

type MarketHandler struct {
	marketUC   market.MarketUsecase
	registryUC registry.RegistryUsecase
	verifier   paymentGateway.PaymentVerifier // nil ならオンチェーン支払いは無効
}

func NewMarketHandler(muc market.MarketUsecase, ruc registry.RegistryUsecase, verifier paymentGateway.PaymentVerifier) *MarketHandler {
	return &MarketHandler{marketUC: muc, registryUC: ruc, verifier: verifier}
}

// ItemResponse は出品APIのレスポンス
type ItemResponse struct {
	ItemID   uint64 `json:"item_id"`
	TokenID  uint64 `json:"token_id"`
	Registry string `json:"registry"`
	PriceWei string `json:"price_wei"`
	PriceEth string `json:"price_eth"`
	Seller   string `json:"seller"`
	Owner    string `json:"owner"`
	TokenURI string `json:"token_uri"`
	Sold     bool   `json:"sold"`
}

func toItemResponse(item *model.MarketItem) *ItemResponse {
	return &ItemResponse{
		ItemID:   item.ItemID,
		TokenID:  item.TokenID,
		Registry: item.Registry.Hex(),
		PriceWei: item.Price.String(),
		PriceEth: response.WeiToEther(item.Price),
		Seller:   item.Seller.Hex(),
		Owner:    item.Owner.Hex(),
		TokenURI: item.TokenURI,
		Sold:     item.Sold,
	}
}

// resolvePayment は金額の直接指定か、オンチェーン送金のTxハッシュから支払いを組み立てる
func (h *MarketHandler) resolvePayment(ctx context.Context, amountWei, txHash string, payee common.Address) (model.Payment, error) {
	if txHash == "" {
		if amountWei == "" {
			return model.Payment{}, nil
		}
		amount, err := response.ParseWei("amount", amountWei)
		if err != nil {
			return model.Payment{}, err
		}
		return model.Payment{Amount: amount}, nil
	}

	if amountWei != "" {
		return model.Payment{}, errors.Wrap(model.ErrInvalidInput, "specify either an amount or a transaction hash, not both")
	}
	if h.verifier == nil {
		return model.Payment{}, errors.Wrap(model.ErrInvalidInput, "on-chain payments are not enabled")
	}
	amount, err := h.verifier.VerifyPayment(ctx, txHash, payee)
	if err != nil {
		return model.Payment{}, err
	}
	return model.Payment{Amount: amount, Reference: strings.ToLower(txHash)}, nil
}

// ===============================================
// 出品手数料
// ===============================================

// HandleGetFee は現在の出品手数料を返す
func (h *MarketHandler) HandleGetFee(w http.ResponseWriter, r *http.Request) {
	settings, err := h.marketUC.Settings(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"fee_wei":    settings.ListingFee.String(),
		"fee_eth":    response.WeiToEther(settings.ListingFee),
		"operator":   settings.Operator.Hex(),
		"custody":    settings.Custody.Hex(),
		"updated_at": settings.UpdatedAt,
	})
}

// UpdateFeeRequest は手数料変更APIの入力
type UpdateFeeRequest struct {
	Caller string `json:"caller"`
	FeeWei string `json:"fee_wei"`
}

// HandleUpdateFee は出品手数料を変更する (運営者のみ)
func (h *MarketHandler) HandleUpdateFee(w http.ResponseWriter, r *http.Request) {
	var req UpdateFeeRequest
	if err := response.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	caller, err := response.ParseAddress("caller", req.Caller)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	fee, err := response.ParseWei("fee_wei", req.FeeWei)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := h.marketUC.UpdateListingFee(r.Context(), caller, fee); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"fee_wei": fee.String(),
		"fee_eth": response.WeiToEther(fee),
	})
}

// ===============================================
// 出品と購入
// ===============================================

// ListRequest は出品APIの入力
type ListRequest struct {
	AssetID   uint64 `json:"asset_id"`
	Registry  string `json:"registry,omitempty"` // 省略時はこのマーケットのレジストリ
	Seller    string `json:"seller"`
	PriceWei  string `json:"price_wei"`
	FeeWei    string `json:"fee_wei,omitempty"`
	FeeTxHash string `json:"fee_tx_hash,omitempty"`
}

// HandleList は資産を出品する
func (h *MarketHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ListRequest
	if err := response.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	seller, err := response.ParseAddress("seller", req.Seller)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	price, err := response.ParseWei("price_wei", req.PriceWei)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	ref := model.AssetRef{Registry: h.registryUC.Address(), AssetID: req.AssetID}
	if req.Registry != "" {
		if ref.Registry, err = response.ParseAddress("registry", req.Registry); err != nil {
			response.Error(w, r, err)
			return
		}
	}

	// 手数料の送金先は運営者
	settings, err := h.marketUC.Settings(ctx)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	fee, err := h.resolvePayment(ctx, req.FeeWei, req.FeeTxHash, settings.Operator)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	itemID, err := h.marketUC.List(ctx, ref, seller, price, fee)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"item_id":  itemID,
		"token_id": req.AssetID,
	})
}

// SaleRequest は購入APIの入力
type SaleRequest struct {
	Buyer    string `json:"buyer"`
	PriceWei string `json:"price_wei,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// HandleSale は出品を購入し、購入後の出品情報を返す
func (h *MarketHandler) HandleSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID, err := response.ParseID("item id", mux.Vars(r)["itemId"])
	if err != nil {
		response.Error(w, r, err)
		return
	}
	var req SaleRequest
	if err := response.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	buyer, err := response.ParseAddress("buyer", req.Buyer)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	// 代金の送金先はマーケットの保管アドレス
	settings, err := h.marketUC.Settings(ctx)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	payment, err := h.resolvePayment(ctx, req.PriceWei, req.TxHash, settings.Custody)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := h.marketUC.Sale(ctx, itemID, buyer, payment); err != nil {
		response.Error(w, r, err)
		return
	}
	item, err := h.marketUC.GetItem(ctx, itemID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toItemResponse(item))
}

// ===============================================
// 参照系
// ===============================================

// HandleGetItem は出品情報を返す
func (h *MarketHandler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := response.ParseID("item id", mux.Vars(r)["itemId"])
	if err != nil {
		response.Error(w, r, err)
		return
	}
	item, err := h.marketUC.GetItem(r.Context(), itemID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toItemResponse(item))
}

// HandleFetchItems は出品一覧を返す
// ?seller= で出品者の全出品、?holder= で保有者の出品、指定なしで未売却の出品
func (h *MarketHandler) HandleFetchItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	sellerParam, holderParam := query.Get("seller"), query.Get("holder")
	if sellerParam != "" && holderParam != "" {
		response.Error(w, r, errors.Wrap(model.ErrInvalidInput, "seller and holder cannot be combined"))
		return
	}

	seq := h.marketUC.FetchUnsold(ctx)
	switch {
	case sellerParam != "":
		seller, err := response.ParseAddress("seller", sellerParam)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		seq = h.marketUC.FetchBySeller(ctx, seller)
	case holderParam != "":
		holder, err := response.ParseAddress("holder", holderParam)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		seq = h.marketUC.FetchByHolder(ctx, holder)
	}

	items := []*ItemResponse{}
	for item, err := range seq {
		if err != nil {
			response.Error(w, r, err)
			return
		}
		items = append(items, toItemResponse(item))
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// HandleGetBalance は台帳が記録した受取額の合計を返す
func (h *MarketHandler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := response.ParseAddress("address", mux.Vars(r)["address"])
	if err != nil {
		response.Error(w, r, err)
		return
	}
	balance, err := h.marketUC.BalanceOf(r.Context(), addr)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"address":     addr.Hex(),
		"balance_wei": balance.String(),
		"balance_eth": response.WeiToEther(balance),
	})
}
