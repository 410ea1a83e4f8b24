package api

import (
	"github.com/shopspring/decimal"

	"finassist/ml"
	"finassist/train"
)

type createModelRequest struct {
	Spec ml.Spec `json:"spec"`
}

type createModelResponse struct {
	ModelID string `json:"model_id"`
}

type uploadDatasetRequest struct {
	Examples []train.Example `json:"examples"`
}

type uploadDatasetResponse struct {
	DatasetID string `json:"dataset_id"`
	Size      int    `json:"size"`
}

type startTrainingRequest struct {
	Config train.TrainingConfig `json:"config"`
}

type startTrainingResponse struct {
	JobID string `json:"job_id"`
}

type predictRequest struct {
	Input []float64 `json:"input"`
}

type predictResponse struct {
	Output []float64 `json:"output"`
}

type buyRequest struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type sellRequest struct {
	Symbol string `json:"symbol"`
	// Quantity omitted or null sells the whole position.
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
}

type sellResponse struct {
	Symbol   string          `json:"symbol"`
	Proceeds decimal.Decimal `json:"proceeds"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}
