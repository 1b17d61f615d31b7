package models

// Topic is a bus channel name.
type Topic string

const (
	TopicClient        Topic = "client_dashboard_data"
	TopicBasket        Topic = "basket_dashboard_data"
	TopicConnection    Topic = "connection_dashboard_data"
	TopicStrategyChart Topic = "strategy_mtm_chart_data"

	// TopicHistorical is only ever sent to the requesting socket.
	TopicHistorical Topic = "historical_data"
)

// BroadcastTopics are relayed to every open connection.
var BroadcastTopics = []Topic{
	TopicClient,
	TopicBasket,
	TopicConnection,
	TopicStrategyChart,
}
