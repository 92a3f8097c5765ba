package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-market-back-ledger/config"
)

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func resetConfig() {
	config.Reset()
	config.Set(config.MarketOperator, operator.Hex())
}

func call(t *testing.T, h http.Handler, method, path, body string) map[string]interface{} {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	require.Less(t, w.Code, 300, w.Body.String())
	var res map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res
}

func TestNewAppMissingOperator(t *testing.T) {
	config.Reset()
	_, err := newApp(context.Background())
	assert.Regexp(t, "market.operator is required", err)
}

func TestNewAppBadConfig(t *testing.T) {
	resetConfig()
	config.Set(config.DatabaseType, "mongo")
	_, err := newApp(context.Background())
	assert.Regexp(t, "unknown database type", err)

	resetConfig()
	config.Set(config.MarketListingFee, "0.1")
	_, err = newApp(context.Background())
	assert.Regexp(t, "market.listingFee", err)

	resetConfig()
	config.Set(config.MarketAddress, "custody")
	_, err = newApp(context.Background())
	assert.Regexp(t, "market.address", err)
}

func TestNewAppDerivedAddresses(t *testing.T) {
	resetConfig()
	a, err := newApp(context.Background())
	require.NoError(t, err)
	defer a.Close()

	fee := call(t, a.handler, "GET", "/api/v1/market/fee", "")
	assert.Equal(t, config.DefaultListingFee, fee["fee_wei"])
	assert.Equal(t, crypto.CreateAddress(operator, 0).Hex(), fee["custody"])

	minted := call(t, a.handler, "POST", "/api/v1/assets", `{"resource_locator":"https://example/1","owner":"`+seller.Hex()+`"}`)
	assert.Equal(t, crypto.CreateAddress(operator, 1).Hex(), minted["registry"])

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAppEndToEndWithSQLite(t *testing.T) {
	resetConfig()
	url := filepath.Join(t.TempDir(), "nftmarket.db")
	config.Set(config.DatabaseType, "sqlite")
	config.Set(config.DatabaseSQLiteURL, url)
	config.Set(config.MarketListingFee, "25")

	a, err := newApp(context.Background())
	require.NoError(t, err)
	h := a.handler

	for i := 1; i <= 2; i++ {
		call(t, h, "POST", "/api/v1/assets", fmt.Sprintf(`{"resource_locator":"https://example/%d","owner":"%s"}`, i, seller.Hex()))
		call(t, h, "POST", "/api/v1/market/items", fmt.Sprintf(`{"asset_id":%d,"seller":"%s","price_wei":"1000","fee_wei":"25"}`, i, seller.Hex()))
	}
	call(t, h, "POST", "/api/v1/market/items/1/sale", `{"buyer":"`+buyer.Hex()+`","price_wei":"1000"}`)
	a.Close()

	// 再起動後も状態が残っている
	a, err = newApp(context.Background())
	require.NoError(t, err)
	defer a.Close()
	h = a.handler

	items := call(t, h, "GET", "/api/v1/market/items", "")
	assert.Equal(t, float64(1), items["count"])
	asset := call(t, h, "GET", "/api/v1/assets/1", "")
	assert.Equal(t, buyer.Hex(), asset["owner"])
	balance := call(t, h, "GET", "/api/v1/balances/"+operator.Hex(), "")
	assert.Equal(t, "50", balance["balance_wei"])
	balance = call(t, h, "GET", "/api/v1/balances/"+seller.Hex(), "")
	assert.Equal(t, "1000", balance["balance_wei"])
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs([]string{})
	require.NoError(t, rootCmd.Execute())

	var info VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
}

func TestCurrentVersion(t *testing.T) {
	noBuildInfo := func() (*debug.BuildInfo, bool) { return nil, false }
	assert.Empty(t, currentVersion(noBuildInfo).Version)

	withBuildInfo := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}}, true
	}
	assert.Equal(t, "v1.2.3", currentVersion(withBuildInfo).Version)

	BuildVersion, BuildCommit = "v9.9.9", "abc123"
	defer func() { BuildVersion, BuildCommit = "", "" }()
	info := currentVersion(withBuildInfo)
	assert.Equal(t, "v9.9.9", info.Version)
	assert.Equal(t, "abc123", info.Commit)
}

func TestRunBadConfigFile(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { cfgFile = "" }()
	err := run(context.Background())
	assert.Regexp(t, "failed to read config", err)
}
