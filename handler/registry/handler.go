package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nft-market-back-ledger/handler/response"
	"nft-market-back-ledger/model"
	registry "nft-market-back-ledger/usecase/registry"
)

type RegistryHandler struct {
	registryUC registry.RegistryUsecase
}

func NewRegistryHandler(uc registry.RegistryUsecase) *RegistryHandler {
	return &RegistryHandler{registryUC: uc}
}

// AssetResponse は資産APIのレスポンス
type AssetResponse struct {
	AssetID  uint64    `json:"asset_id"`
	Registry string    `json:"registry"`
	Owner    string    `json:"owner"`
	Holder   string    `json:"holder"`
	Escrowed bool      `json:"escrowed"`
	Locator  string    `json:"resource_locator"`
	MintedAt time.Time `json:"minted_at"`
}

func (h *RegistryHandler) toResponse(asset *model.Asset) *AssetResponse {
	return &AssetResponse{
		AssetID:  asset.ID,
		Registry: h.registryUC.Address().Hex(),
		Owner:    asset.Owner.Hex(),
		Holder:   asset.Holder().Hex(),
		Escrowed: asset.Escrowed(),
		Locator:  asset.Locator,
		MintedAt: asset.MintedAt,
	}
}

// MintRequest は資産発行APIの入力
type MintRequest struct {
	Locator string `json:"resource_locator"`
	Owner   string `json:"owner"`
}

// HandleMint は資産を発行する
func (h *RegistryHandler) HandleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := response.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	owner, err := response.ParseAddress("owner", req.Owner)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	id, err := h.registryUC.Mint(r.Context(), req.Locator, owner)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"asset_id": id,
		"registry": h.registryUC.Address().Hex(),
	})
}

// HandleGetAsset は資産情報を返す
func (h *RegistryHandler) HandleGetAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := response.ParseID("asset id", mux.Vars(r)["assetId"])
	if err != nil {
		response.Error(w, r, err)
		return
	}

	asset, err := h.registryUC.GetAsset(r.Context(), assetID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, h.toResponse(asset))
}

// TransferRequest は資産移転APIの入力
type TransferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// HandleTransfer は資産を移転し、移転後の資産情報を返す
func (h *RegistryHandler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	assetID, err := response.ParseID("asset id", mux.Vars(r)["assetId"])
	if err != nil {
		response.Error(w, r, err)
		return
	}
	var req TransferRequest
	if err := response.Decode(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}
	from, err := response.ParseAddress("from", req.From)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	to, err := response.ParseAddress("to", req.To)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := h.registryUC.Transfer(r.Context(), assetID, from, to); err != nil {
		response.Error(w, r, err)
		return
	}
	asset, err := h.registryUC.GetAsset(r.Context(), assetID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, h.toResponse(asset))
}
