package store

// Redis keys written by the trading processes and read by the feed.
const (
	KeyRoster          = "live_clients"
	KeyInstrumentMap   = "exchangeTOsymbol"
	KeyIdealMTM        = "curr_client_ideal_mtm"
	KeyRejectedOrders  = "rejected_orders"
	KeyPendingOrders   = "pending_orders"
	KeyPositions       = "live_user_positions"
	KeyTradeBook       = "live_user_tb"
	KeyOrderBook       = "live_user_ob"
	KeyRMSFrame        = "live_client_rms_df"
	KeyMargin          = "curr_client_margin"
	KeyVaR             = "curr_client_var"
	KeyLiveWeights     = "live_weights"
	KeyHeartbeat       = "rms_heartbeat"
	keyClientMTMPrefix = "live_client_mtm."
	keyClientIdealMTM  = "live_client_ideal_mtm."
	keyBasketMTMPrefix = "live_mtm."
	keyStrategyMTMBase = "live.mtm_"
	keyIndexLTPPrefix  = "ltp."
)

// ClientMTMKey is the hash of timestamp -> actual MTM for a client.
func ClientMTMKey(client string) string { return keyClientMTMPrefix + client }

// ClientIdealMTMKey is the hash of timestamp -> ideal MTM for a client.
func ClientIdealMTMKey(client string) string { return keyClientIdealMTM + client }

// BasketMTMKey is the hash of timestamp -> MTM for a basket.
func BasketMTMKey(basket string) string { return keyBasketMTMPrefix + basket }

// StrategyMTMKey is the hash of timestamp -> MTM for a strategy.
func StrategyMTMKey(strategy string) string { return keyStrategyMTMBase + strategy }

// IndexLTPKey holds the last traded price of an index.
func IndexLTPKey(index string) string { return keyIndexLTPPrefix + index }
