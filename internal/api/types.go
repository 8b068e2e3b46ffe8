package api

import (
	"time"

	"optionsflow/pkg/types"
)

// errorResponse is the envelope every handler error returns.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Ticker  string `json:"ticker,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// flowsResponse wraps a query result; Trades duplicates Flows under the
// alternate field name some clients expect.
type flowsResponse struct {
	Success          bool                   `json:"success"`
	Count            int                    `json:"count"`
	TotalCount       int                    `json:"totalCount"`
	Page             int                    `json:"page"`
	TotalPages       int                    `json:"totalPages"`
	Limit            int                    `json:"limit"`
	Flows            []types.FlowRecord     `json:"flows"`
	Trades           []types.FlowRecord     `json:"trades"`
	StoreSize        int                    `json:"storeSize"`
	MarketStatus     string                 `json:"marketStatus"`
	OverallSentiment types.OverallSentiment `json:"overallSentiment"`
}

func newFlowsResponse(r types.QueryResult) flowsResponse {
	return flowsResponse{
		Success:          true,
		Count:            r.Count,
		TotalCount:       r.TotalCount,
		Page:             r.Page,
		TotalPages:       r.TotalPages,
		Limit:            r.Limit,
		Flows:            r.Flows,
		Trades:           r.Flows,
		StoreSize:        r.StoreSize,
		MarketStatus:     r.MarketStatus,
		OverallSentiment: r.OverallSentiment,
	}
}

type refreshResponse struct {
	Success   bool `json:"success"`
	StoreSize int  `json:"storeSize"`
}

type statsResponse struct {
	Success         bool    `json:"success"`
	TotalTrades     int     `json:"totalTrades"`
	TotalPremium    float64 `json:"totalPremium"`
	CallSweeps      int     `json:"callSweeps"`
	PutSweeps       int     `json:"putSweeps"`
	CallPutRatio    float64 `json:"callPutRatio"`
	PutVolume       int64   `json:"putVolume"`
	UnusualActivity int     `json:"unusualActivity"`
}

type gexResponse struct {
	Success bool `json:"success"`
	types.GEXSurface
}

type scannerResponse struct {
	Success   bool              `json:"success"`
	Alerts    []types.ScanAlert `json:"alerts"`
	ScannedAt time.Time         `json:"scannedAt"`
}

type chainResponse struct {
	Success bool        `json:"success"`
	Ticker  string      `json:"ticker"`
	Results interface{} `json:"results"`
}
