// Package api exposes the training service, portfolio and assistant over a
// JSON HTTP interface.
package api

import (
	"context"
	"net/http"
	"sync"

	"finassist/market"
	"finassist/portfolio"
	"finassist/train"
)

// Assistant is the chat surface the server needs; satisfied by agent.Assistant.
type Assistant interface {
	Ask(ctx context.Context, message string) (string, error)
}

// Server holds the service components and exposes them as HTTP handlers.
type Server struct {
	registry    *ModelComponents
	portfolio   *portfolio.Portfolio
	market      *market.Client
	assistantMu sync.Mutex
	assistant   Assistant
}

// ModelComponents groups the training service pieces behind the API.
type ModelComponents struct {
	Registry    *train.ModelRegistry
	Datasets    *train.DatasetStore
	Checkpoints *train.CheckpointStore
	Tracker     *train.Tracker
	Engine      *train.Engine

	// JobCtx is the context training loops run under; canceling it stops
	// all running jobs.
	JobCtx context.Context
}

func NewServer(models *ModelComponents, pf *portfolio.Portfolio, mkt *market.Client, assistant Assistant) *Server {
	return &Server{
		registry:  models,
		portfolio: pf,
		market:    mkt,
		assistant: assistant,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/models", s.handleCreateModel)
	mux.HandleFunc("POST /api/models/{id}/dataset", s.handleUploadDataset)
	mux.HandleFunc("POST /api/models/{id}/train", s.handleStartTraining)
	mux.HandleFunc("POST /api/models/{id}/predict", s.handlePredict)
	mux.HandleFunc("GET /api/models/{id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)

	mux.HandleFunc("GET /api/portfolio/holdings", s.handleHoldings)
	mux.HandleFunc("GET /api/portfolio/performance", s.handlePerformance)
	mux.HandleFunc("POST /api/portfolio/buy", s.handleBuy)
	mux.HandleFunc("POST /api/portfolio/sell", s.handleSell)

	mux.HandleFunc("GET /api/stocks/{ticker}/price", s.handleStockPrice)
	mux.HandleFunc("GET /api/stocks/{ticker}/history", s.handleStockHistory)
	mux.HandleFunc("GET /api/stocks/{ticker}/news", s.handleStockNews)

	mux.HandleFunc("POST /api/chat", s.handleChat)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResp(w, map[string]string{"status": "ok"}, http.StatusOK)
}
