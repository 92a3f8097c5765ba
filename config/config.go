package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Key は設定キー
type Key string

const (
	LogLevel               Key = "log.level"
	LogJSON                Key = "log.json"
	HTTPAddress            Key = "http.address"
	HTTPPort               Key = "http.port"
	CorsOrigins            Key = "cors.origins"
	MarketOperator         Key = "market.operator"
	MarketAddress          Key = "market.address"
	MarketListingFee       Key = "market.listingFee"
	MarketPageSize         Key = "market.pageSize"
	RegistryAddress        Key = "registry.address"
	RegistryCacheSize      Key = "registry.cacheSize"
	DatabaseType           Key = "database.type"
	DatabaseSQLiteURL      Key = "database.sqlite.url"
	DatabaseMigrationsAuto Key = "database.migrations.auto"
	EthRPCURL              Key = "eth.rpcURL"
	NotifyBackendURL       Key = "notify.backendURL"
	NotifyRetries          Key = "notify.retries"
	EventsBufferSize       Key = "events.bufferSize"
)

// デフォルトの出品手数料 (0.025 ETH in Wei)
const DefaultListingFee = "25000000000000000"

// Reset は全ての設定をデフォルトに戻す
func Reset() {
	viper.Reset()

	viper.SetDefault(string(LogLevel), "info")
	viper.SetDefault(string(LogJSON), false)
	viper.SetDefault(string(HTTPAddress), "0.0.0.0")
	viper.SetDefault(string(HTTPPort), 8080)
	viper.SetDefault(string(CorsOrigins), []string{"*"})
	viper.SetDefault(string(MarketListingFee), DefaultListingFee)
	viper.SetDefault(string(MarketPageSize), 50)
	viper.SetDefault(string(RegistryCacheSize), 1000)
	viper.SetDefault(string(DatabaseType), "memory")
	viper.SetDefault(string(DatabaseSQLiteURL), "nftmarket.db")
	viper.SetDefault(string(DatabaseMigrationsAuto), true)
	viper.SetDefault(string(NotifyRetries), 3)
	viper.SetDefault(string(EventsBufferSize), 100)
}

// ReadConfig は環境変数と (指定があれば) YAMLファイルから設定を読み込む
func ReadConfig(cfgFile string) error {
	Reset()

	// NFTMARKET_MARKET_OPERATOR のような環境変数で上書き可能
	viper.SetEnvPrefix("nftmarket")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")

	if cfgFile != "" {
		f, err := os.Open(cfgFile)
		if err != nil {
			return err
		}
		defer f.Close()
		return viper.ReadConfig(f)
	}
	return nil
}

func GetString(key Key) string {
	return viper.GetString(string(key))
}

func GetStringSlice(key Key) []string {
	return viper.GetStringSlice(string(key))
}

func GetBool(key Key) bool {
	return viper.GetBool(string(key))
}

func GetInt(key Key) int {
	return viper.GetInt(string(key))
}

// Set はテストや起動フラグからの上書き用
func Set(key Key, value interface{}) {
	viper.Set(string(key), value)
}
