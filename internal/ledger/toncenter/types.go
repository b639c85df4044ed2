package toncenter

import "encoding/json"

type tonResponse[T any] struct {
	OK     bool   `json:"ok"`
	Result T      `json:"result"`
	Error  string `json:"error"`
	Code   int    `json:"code"`
}

type sendBocResult struct {
	Hash string `json:"hash"`
}

type addressInformation struct {
	Balance           json.Number `json:"balance"`
	State             string      `json:"state"`
	LastTransactionID struct {
		LT   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"last_transaction_id"`
}

type runGetMethodResult struct {
	GasUsed  int64               `json:"gas_used"`
	Stack    [][]json.RawMessage `json:"stack"`
	ExitCode int                 `json:"exit_code"`
}
