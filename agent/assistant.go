// Package agent implements the chat assistant: a Gemini chat session with
// function tools for stock quotes, the portfolio and training job status.
package agent

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/genai"
)

const model = "gemini-2.5-flash"

// Tool function names. Dispatch is a plain switch on these constants; the
// set of tools is fixed at compile time.
const (
	toolStockPrice       = "get_stock_price"
	toolPortfolioSummary = "get_portfolio_summary"
	toolTrainingStatus   = "get_training_status"
)

// Tools are the callbacks the assistant may invoke. They are injected as
// plain functions so this package depends on none of the service packages.
type Tools struct {
	// StockPrice returns a human-readable quote for a ticker.
	StockPrice func(ctx context.Context, ticker string) (string, error)
	// PortfolioSummary returns the portfolio overview text.
	PortfolioSummary func() string
	// TrainingStatus returns a description of a training job's progress.
	TrainingStatus func(jobID string) (string, error)
}

const systemInstruction = `You are a financial assistant for a portfolio
application. You can quote stock prices, summarize the user's portfolio and
report on the progress of model training jobs using your tools. Answer
concisely; call a tool whenever the user asks about live data instead of
guessing.`

// Assistant holds one chat session. It is not safe for concurrent use; the
// HTTP layer serializes access to it.
type Assistant struct {
	chat  *genai.Chat
	tools Tools
}

func declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        toolStockPrice,
			Description: "Get the current price and daily change for a stock ticker.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"ticker": {Type: genai.TypeString, Description: "Stock ticker symbol, e.g. AAPL."},
				},
				Required: []string{"ticker"},
			},
		},
		{
			Name:        toolPortfolioSummary,
			Description: "Get a summary of the user's portfolio: value, cash, holdings and PnL.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{},
			},
		},
		{
			Name:        toolTrainingStatus,
			Description: "Get the state and progress of a model training job by its id.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"job_id": {Type: genai.TypeString, Description: "The training job id."},
				},
				Required: []string{"job_id"},
			},
		},
	}
}

// New creates the chat session with the tool declarations attached.
func New(ctx context.Context, client *genai.Client, tools Tools) (*Assistant, error) {
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{FunctionDeclarations: declarations()},
		},
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
	}
	chat, err := client.Chats.Create(ctx, model, config, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: create chat: %w", err)
	}
	return &Assistant{chat: chat, tools: tools}, nil
}

// Ask sends the user's message and resolves function calls until the model
// produces a text answer.
func (a *Assistant) Ask(ctx context.Context, message string) (string, error) {
	return a.send(ctx, &genai.Part{Text: message})
}

func (a *Assistant) send(ctx context.Context, part *genai.Part) (string, error) {
	resp, err := a.chat.Send(ctx, part)
	if err != nil {
		return "", fmt.Errorf("agent: send: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("agent: empty response")
	}

	part0 := resp.Candidates[0].Content.Parts[0]
	if part0.FunctionCall != nil {
		fresp := a.dispatch(ctx, part0.FunctionCall)
		return a.send(ctx, &genai.Part{FunctionResponse: fresp})
	}
	return part0.Text, nil
}

// dispatch routes a function call to its callback. Tool failures go back to
// the model as an error field rather than failing the chat turn.
func (a *Assistant) dispatch(ctx context.Context, call *genai.FunctionCall) *genai.FunctionResponse {
	log.Printf("agent: tool call %s(%v)", call.Name, call.Args)

	var output string
	var err error
	switch call.Name {
	case toolStockPrice:
		ticker, ok := call.Args["ticker"].(string)
		if !ok {
			err = fmt.Errorf("ticker must be a string, got %T", call.Args["ticker"])
			break
		}
		output, err = a.tools.StockPrice(ctx, ticker)
	case toolPortfolioSummary:
		output = a.tools.PortfolioSummary()
	case toolTrainingStatus:
		jobID, ok := call.Args["job_id"].(string)
		if !ok {
			err = fmt.Errorf("job_id must be a string, got %T", call.Args["job_id"])
			break
		}
		output, err = a.tools.TrainingStatus(jobID)
	default:
		err = fmt.Errorf("unknown function %s", call.Name)
	}

	fresp := &genai.FunctionResponse{ID: call.ID, Name: call.Name}
	if err != nil {
		fresp.Response = map[string]any{"error": err.Error()}
		return fresp
	}
	fresp.Response = map[string]any{"output": output}
	return fresp
}
