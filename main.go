package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"finassist/agent"
	"finassist/api"
	"finassist/market"
	"finassist/portfolio"
	"finassist/train"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	checkpointPath := flag.String("checkpoints", "checkpoints.db", "checkpoint database file")
	marketURL := flag.String("market-url", "https://api.polygon.io", "market data API base URL")
	newsURL := flag.String("news-url", "https://finnhub.io/api/v1", "company news API base URL")
	initialCash := flag.String("cash", "100000", "initial portfolio cash balance in USD")
	flag.Parse()

	if err := run(*addr, *checkpointPath, *marketURL, *newsURL, *initialCash); err != nil {
		log.Fatal(err)
	}
}

func run(addr, checkpointPath, marketURL, newsURL, initialCash string) error {
	// Job context: canceled on shutdown so running training loops stop at
	// their next epoch boundary.
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	checkpoints, err := train.OpenCheckpointStore(checkpointPath)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	registry := train.NewModelRegistry()
	datasets := train.NewDatasetStore(registry)
	tracker := train.NewTracker()
	engine := train.NewEngine(registry, datasets, checkpoints, tracker)

	mkt := market.NewClient(marketURL, os.Getenv("POLYGON_API_KEY"))
	if key := os.Getenv("FINNHUB_API_KEY"); key != "" {
		mkt.SetNewsSource(newsURL, key)
	} else {
		log.Print("FINNHUB_API_KEY not set, company news disabled")
	}

	cash, err := decimal.NewFromString(initialCash)
	if err != nil {
		return errors.New("invalid -cash value: " + initialCash)
	}
	pf := portfolio.New(cash, func(symbol string) (decimal.Decimal, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		quote, err := mkt.Quote(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return quote.Price, nil
	})

	assistant, err := buildAssistant(jobCtx, mkt, pf, tracker)
	if err != nil {
		return err
	}

	server := api.NewServer(&api.ModelComponents{
		Registry:    registry,
		Datasets:    datasets,
		Checkpoints: checkpoints,
		Tracker:     tracker,
		Engine:      engine,
		JobCtx:      jobCtx,
	}, pf, mkt, assistant)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	stopJobs()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

// buildAssistant wires the chat assistant with its tool callbacks. Without
// GEMINI_API_KEY the server runs with the chat endpoint disabled.
func buildAssistant(ctx context.Context, mkt *market.Client, pf *portfolio.Portfolio, tracker *train.Tracker) (api.Assistant, error) {
	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Print("GEMINI_API_KEY not set, chat assistant disabled")
		return nil, nil
	}

	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return nil, err
	}
	return agent.New(ctx, client, agent.Tools{
		StockPrice: func(ctx context.Context, ticker string) (string, error) {
			quote, err := mkt.Quote(ctx, ticker)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%s): $%s (%s%% today)",
				quote.Name, quote.Ticker, quote.Price.StringFixed(2), quote.ChangePercent.StringFixed(2)), nil
		},
		PortfolioSummary: pf.Summary,
		TrainingStatus: func(jobID string) (string, error) {
			job, err := tracker.Status(jobID)
			if err != nil {
				return "", err
			}
			desc := fmt.Sprintf("job %s: %s", job.ID, job.State)
			if len(job.History) > 0 {
				last := job.History[len(job.History)-1]
				desc += fmt.Sprintf(", epoch %d, loss %.6f", last.Epoch, last.Loss)
			}
			if job.Err != "" {
				desc += " (" + job.Err + ")"
			}
			return desc, nil
		},
	})
}
