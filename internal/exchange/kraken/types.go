package kraken

import "encoding/json"

// Envelope is the REST response wrapper every endpoint shares.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type addOrderResult struct {
	TxID []string `json:"txid"`
}

type openOrdersResult struct {
	Open map[string]restOrder `json:"open"`
}

type restOrder struct {
	Status  string          `json:"status"`
	UserRef int64           `json:"userref"`
	Volume  string          `json:"vol"`
	VolExec string          `json:"vol_exec"`
	Descr   restOrderDescr  `json:"descr"`
	Reason  string          `json:"reason"`
	Misc    json.RawMessage `json:"misc"`
}

type restOrderDescr struct {
	Pair  string `json:"pair"`
	Type  string `json:"type"`
	Price string `json:"price"`
}

type balanceExEntry struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

type assetPairInfo struct {
	Fees          [][]json.Number `json:"fees"`
	TickSize      string          `json:"tick_size"`
	OrderMin      string          `json:"ordermin"`
	CostMin       string          `json:"costmin"`
	LotDecimals   int             `json:"lot_decimals"`
	PairDecimals  int             `json:"pair_decimals"`
	Base          string          `json:"base"`
	Quote         string          `json:"quote"`
	WSName        string          `json:"wsname"`
	FeeVolumeCurr string          `json:"fee_volume_currency"`
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// Websocket v2 frames.

type wsSubscribe struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type wsTickerParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

type wsExecutionsParams struct {
	Channel     string `json:"channel"`
	Token       string `json:"token"`
	SnapOrders  bool   `json:"snap_orders"`
	SnapTrades  bool   `json:"snap_trades"`
	RateCounter bool   `json:"ratecounter"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type wsTickerData struct {
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
	Bid    json.Number `json:"bid"`
	Ask    json.Number `json:"ask"`
}

type wsExecutionData struct {
	OrderID     string      `json:"order_id"`
	ClientID    string      `json:"cl_ord_id"`
	ExecType    string      `json:"exec_type"`
	OrderStatus string      `json:"order_status"`
	LastQty     json.Number `json:"last_qty"`
	LastPrice   json.Number `json:"last_price"`
	UserRef     int64       `json:"order_userref"`
	Timestamp   string      `json:"timestamp"`
}
