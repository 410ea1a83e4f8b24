package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"finassist/market"
	"finassist/portfolio"
	"finassist/train"
)

func writeResp(w http.ResponseWriter, resp any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var mismatch *train.ShapeMismatchError
	switch {
	case errors.Is(err, train.ErrNotFound),
		errors.Is(err, portfolio.ErrUnknownHolding),
		errors.Is(err, market.ErrNoData):
		status = http.StatusNotFound
	case errors.Is(err, train.ErrConflict),
		errors.Is(err, train.ErrVersionExists):
		status = http.StatusConflict
	case errors.Is(err, train.ErrInvalidSpec),
		errors.Is(err, train.ErrInvalidConfig),
		errors.Is(err, train.ErrEmptyDataset),
		errors.Is(err, train.ErrNoDataset),
		errors.Is(err, portfolio.ErrInsufficientFunds),
		errors.Is(err, portfolio.ErrOversell),
		errors.As(err, &mismatch):
		status = http.StatusUnprocessableEntity
	}

	writeResp(w, errorResponse{Error: err.Error()}, status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeResp(w, errorResponse{Error: "invalid request body: " + err.Error()}, http.StatusBadRequest)
		return false
	}
	return true
}

// --- Models and training ---

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.registry.Registry.Create(req.Spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, createModelResponse{ModelID: id}, http.StatusCreated)
}

func (s *Server) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	var req uploadDatasetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.registry.Datasets.Upload(r.PathValue("id"), req.Examples)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, uploadDatasetResponse{DatasetID: id, Size: len(req.Examples)}, http.StatusCreated)
}

func (s *Server) handleStartTraining(w http.ResponseWriter, r *http.Request) {
	var req startTrainingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Jobs outlive the request; they run under the server's job context so
	// shutdown, not client disconnect, cancels them.
	jobID, err := s.registry.Engine.Start(s.registry.JobCtx, r.PathValue("id"), req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, startTrainingResponse{JobID: jobID}, http.StatusAccepted)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Tracker.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, job, http.StatusOK)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("id")
	version := r.URL.Query().Get("version")
	if version == "" {
		// An empty version names no lineage; without this check the reply
		// would be an empty list indistinguishable from "no checkpoints yet".
		writeResp(w, errorResponse{Error: "version query parameter is required"}, http.StatusUnprocessableEntity)
		return
	}
	if _, err := s.registry.Registry.Get(modelID); err != nil {
		writeError(w, err)
		return
	}
	metas, err := s.registry.Checkpoints.List(modelID, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, metas, http.StatusOK)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.registry.Registry.Predict(r.PathValue("id"), req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, predictResponse{Output: out}, http.StatusOK)
}

// --- Portfolio ---

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	writeResp(w, map[string]any{"holdings": s.portfolio.Holdings()}, http.StatusOK)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeResp(w, s.portfolio.Performance(), http.StatusOK)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.portfolio.Buy(req.Symbol, req.Quantity, req.Price); err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, s.portfolio.Performance(), http.StatusOK)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	proceeds, err := s.portfolio.Sell(req.Symbol, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, sellResponse{Symbol: req.Symbol, Proceeds: proceeds}, http.StatusOK)
}

// --- Market data ---

func (s *Server) handleStockPrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.market.Quote(r.Context(), r.PathValue("ticker"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, quote, http.StatusOK)
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	bars, err := s.market.History(r.Context(), ticker, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, map[string]any{"ticker": ticker, "history": bars}, http.StatusOK)
}

func (s *Server) handleStockNews(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")
	news, err := s.market.News(r.Context(), ticker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, map[string]any{"ticker": ticker, "news": news}, http.StatusOK)
}

// --- Chat ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeResp(w, errorResponse{Error: "assistant not configured"}, http.StatusServiceUnavailable)
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeResp(w, errorResponse{Error: "message must not be empty"}, http.StatusBadRequest)
		return
	}

	// The chat session is single-threaded; turns are serialized.
	s.assistantMu.Lock()
	reply, err := s.assistant.Ask(r.Context(), req.Message)
	s.assistantMu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeResp(w, chatResponse{Reply: reply}, http.StatusOK)
}
