package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"grid_trader/internal/bootstrap"

	"github.com/shopspring/decimal"
)

var (
	configFile      = flag.String("config", "configs/config.yaml", "Path to configuration file")
	optimizeSymbol  = flag.String("optimize", "", "Compute a grid plan for this symbol and exit instead of trading")
	optimizeCapital = flag.Float64("capital", 1000, "Capital budget for -optimize, in quote asset")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	if *optimizeSymbol != "" {
		if err := runOptimize(*configFile, *optimizeSymbol, *optimizeCapital); err != nil {
			fmt.Fprintf(os.Stderr, "optimize failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.Logger.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}
}

// runOptimize runs the parameter optimizer against the configured exchange
// credentials and prints the recommended plan
func runOptimize(configPath, symbol string, capital float64) error {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	result, err := bootstrap.RunOptimization(context.Background(), cfg, logger, symbol,
		decimal.NewFromFloat(capital))
	if err != nil {
		return err
	}

	fmt.Print(bootstrap.FormatPlan(result))
	return nil
}
