package cmd

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"nft-market-back-ledger/config"
	"nft-market-back-ledger/gateway/notify"
	paymentGateway "nft-market-back-ledger/gateway/payment"
	"nft-market-back-ledger/gateway/store"
	"nft-market-back-ledger/gateway/store/sqlstore"
	marketHandler "nft-market-back-ledger/handler/market"
	registryHandler "nft-market-back-ledger/handler/registry"
	"nft-market-back-ledger/logging"
	events "nft-market-back-ledger/usecase/events"
	marketUsecase "nft-market-back-ledger/usecase/market"
	registryUsecase "nft-market-back-ledger/usecase/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the ledger HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app は起動済みの依存関係一式
type app struct {
	handler http.Handler
	store   store.Store
	cancel  context.CancelFunc
	done    <-chan struct{}
}

// Close はイベントリスナーを止めてストアを閉じる
func (a *app) Close() {
	a.cancel()
	<-a.done
	a.store.Close()
}

func parseAddressConfig(key config.Key) (common.Address, bool, error) {
	s := config.GetString(key)
	if s == "" {
		return common.Address{}, false, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, false, errors.Errorf("%s must be a 0x address: '%s'", key, s)
	}
	return common.HexToAddress(s), true, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch dbType := config.GetString(config.DatabaseType); dbType {
	case "memory":
		logging.L(ctx).Warnf("Using in-memory store. State will be lost on restart")
		return store.NewMemoryStore(), nil
	case "sqlite":
		url := config.GetString(config.DatabaseSQLiteURL)
		logging.L(ctx).Infof("Using SQLite store: %s", url)
		return sqlstore.New(ctx, url, config.GetBool(config.DatabaseMigrationsAuto))
	default:
		return nil, errors.Errorf("unknown database type '%s'", dbType)
	}
}

// newApp は設定から依存性を組み立てる
func newApp(ctx context.Context) (*app, error) {
	l := logging.L(ctx)

	// --- 1. マーケットの設定値 ---
	operator, ok, err := parseAddressConfig(config.MarketOperator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("%s is required", config.MarketOperator)
	}
	custody, ok, err := parseAddressConfig(config.MarketAddress)
	if err != nil {
		return nil, err
	}
	if !ok {
		custody = crypto.CreateAddress(operator, 0)
	}
	registryAddr, ok, err := parseAddressConfig(config.RegistryAddress)
	if err != nil {
		return nil, err
	}
	if !ok {
		registryAddr = crypto.CreateAddress(operator, 1)
	}
	listingFee, ok := new(big.Int).SetString(config.GetString(config.MarketListingFee), 10)
	if !ok {
		return nil, errors.Errorf("%s must be a decimal amount in wei", config.MarketListingFee)
	}

	// --- 2. ストアの初期化 ---
	s, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	// --- 3. イベント配送 ---
	bus := events.NewEventBus(config.GetInt(config.EventsBufferSize))
	var notifier notify.Notifier = notify.LogNotifier{}
	if backendURL := config.GetString(config.NotifyBackendURL); backendURL != "" {
		notifier = notify.NewRestNotifier(backendURL, config.GetInt(config.NotifyRetries))
		l.Infof("Backend URL: %s", backendURL)
	}
	listenerCtx, cancel := context.WithCancel(ctx)
	listener := events.NewEventListener(bus.Events(), notifier)
	if err := listener.StartEventListener(listenerCtx); err != nil {
		cancel()
		s.Close()
		return nil, err
	}
	a := &app{store: s, cancel: cancel, done: listener.Done()}

	// --- 4. レジストリと台帳 ---
	registryUC, err := registryUsecase.NewRegistryUsecase(s, registryAddr, bus, config.GetInt(config.RegistryCacheSize))
	if err != nil {
		a.Close()
		return nil, err
	}
	marketUC, err := marketUsecase.NewMarketUsecase(ctx, s, registryUC, bus, marketUsecase.MarketConfig{
		Operator:   operator,
		Custody:    custody,
		ListingFee: listingFee,
		PageSize:   config.GetInt(config.MarketPageSize),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	l.Infof("Operator: %s", operator.Hex())
	l.Infof("Market custody address: %s", custody.Hex())
	l.Infof("Registry address: %s", registryAddr.Hex())

	// --- 5. オンチェーン支払いの検証 (任意) ---
	var verifier paymentGateway.PaymentVerifier
	if rpcURL := config.GetString(config.EthRPCURL); rpcURL != "" {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "failed to connect to ethereum node")
		}
		verifier = paymentGateway.NewEthGateway(client)
		l.Infof("On-chain payment verification enabled")
	} else {
		l.Warnf("%s not set. Payments by transaction hash are disabled", config.EthRPCURL)
	}

	// --- 6. ルーティングの設定 ---
	router := newRouter(
		registryHandler.NewRegistryHandler(registryUC),
		marketHandler.NewMarketHandler(marketUC, registryUC, verifier),
	)

	// --- 7. CORSミドルウェアの設定 ---
	c := cors.New(cors.Options{
		AllowedOrigins:   config.GetStringSlice(config.CorsOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	a.handler = c.Handler(router)
	return a, nil
}

func newRouter(registryHdlr *registryHandler.RegistryHandler, marketHdlr *marketHandler.MarketHandler) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger)

	// ヘルスチェック用エンドポイント
	health := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
	router.HandleFunc("/", health).Methods("GET")
	router.HandleFunc("/health", health).Methods("GET")

	// Registry API
	router.HandleFunc("/api/v1/assets", registryHdlr.HandleMint).Methods("POST")
	router.HandleFunc("/api/v1/assets/{assetId}", registryHdlr.HandleGetAsset).Methods("GET")
	router.HandleFunc("/api/v1/assets/{assetId}/transfer", registryHdlr.HandleTransfer).Methods("POST")

	// Market API
	router.HandleFunc("/api/v1/market/fee", marketHdlr.HandleGetFee).Methods("GET")
	router.HandleFunc("/api/v1/market/fee", marketHdlr.HandleUpdateFee).Methods("PUT")
	router.HandleFunc("/api/v1/market/items", marketHdlr.HandleList).Methods("POST")
	router.HandleFunc("/api/v1/market/items", marketHdlr.HandleFetchItems).Methods("GET")
	router.HandleFunc("/api/v1/market/items/{itemId}", marketHdlr.HandleGetItem).Methods("GET")
	router.HandleFunc("/api/v1/market/items/{itemId}/sale", marketHdlr.HandleSale).Methods("POST")
	router.HandleFunc("/api/v1/balances/{address}", marketHdlr.HandleGetBalance).Methods("GET")

	return router
}

// requestLogger はリクエストごとのIDをログフィールドに付ける
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithLogField(r.Context(), "httpreq", uuid.NewString()[:8])
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.L(ctx).Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// run は設定を読み込んでサーバーを起動し、SIGINT/SIGTERM で停止する
func run(ctx context.Context) error {
	ctx, err := setup(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := fmt.Sprintf("%s:%d", config.GetString(config.HTTPAddress), config.GetInt(config.HTTPPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logging.L(ctx).Infof("Ledger service starting on %s", addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "could not start server")
	case <-ctx.Done():
		logging.L(ctx).Infof("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
