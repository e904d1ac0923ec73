// main.go

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"shopflow/internal/catalog"
	"shopflow/internal/checkout"
	"shopflow/internal/config"
	"shopflow/internal/storage"
	"shopflow/internal/telemetry"
)

var (
	// Global flags
	verbose    bool
	configPath string

	shopperID string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shopflow",
	Short: "ShopFlow storefront: catalog, cart and checkout",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  serve,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the product catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, card := range catalog.Default().Cards() {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%-28s %10s\n", card.ID, card.Title, card.Price)
		}
		return nil
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Print the orders recorded for a shopper",
	RunE:  printOrders,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	ordersCmd.Flags().StringVar(&shopperID, "shopper", "", "Shopper id (the subject of the session token)")
	_ = ordersCmd.MarkFlagRequired("shopper")

	rootCmd.AddCommand(serveCmd, catalogCmd, ordersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Trace, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	kv, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("SHOPFLOW_JWT_SECRET not set; shopper sessions will not survive a restart")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := NewServer(ctx, ServerConfig{
		Store:          kv,
		Catalog:        catalog.Default(),
		Processor:      checkout.SimulatedProcessor{Delay: cfg.ProcessingDelay},
		Secret:         secret,
		AllowedOrigins: cfg.AllowedOrigins,
		SessionIdle:    cfg.SessionIdle,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /api/cart/events streams for as long as the client listens
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("shopflow listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shopflow stopped")
	return nil
}

func printOrders(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	kv, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	orders, err := checkout.NewOrderLog(storage.Namespace(kv, shopperID), logger).List(ctx)
	if err != nil {
		return err
	}
	if orders == nil {
		orders = []checkout.Order{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(orders)
}
