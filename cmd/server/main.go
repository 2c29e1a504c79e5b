package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toricodesthings/document-ingestion-service/internal/config"
	"github.com/toricodesthings/document-ingestion-service/internal/docling"
	"github.com/toricodesthings/document-ingestion-service/internal/native"
	"github.com/toricodesthings/document-ingestion-service/internal/pipeline"
	"github.com/toricodesthings/document-ingestion-service/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	conv := newConverter(cfg, logger)

	// Leave store as a nil interface when COS is off.
	var store pipeline.ObjectStore
	if cfg.COSEnabled() {
		cos, err := storage.NewCOS(storage.Options{
			Endpoint:       cfg.COSEndpoint,
			Bucket:         cfg.COSBucket,
			APIKey:         cfg.COSAPIKey,
			InstanceCRN:    cfg.COSInstanceCRN,
			IAMEndpoint:    cfg.COSIAMEndpoint,
			Region:         cfg.COSRegion,
			Timeout:        cfg.DownloadTimeout,
			MaxObjectBytes: cfg.MaxObjectBytes,
		}, logger)
		if err != nil {
			logger.Error("object storage", "error", err)
			os.Exit(1)
		}
		store = cos
	} else {
		logger.Warn("COS_ENDPOINT, BUCKET_NAME or COS_API_KEY_ID not set; /v1/chat disabled")
	}

	processor := pipeline.New(conv, store, cfg.MaxConvertConcurrent, logger)
	a := newApp(cfg, processor, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.housekeeping(ctx)

	go func() {
		logger.Info("docingest listening",
			"addr", srv.Addr,
			"converter", cfg.Converter,
			"max_concurrent", cfg.MaxConcurrentRequests,
			"max_convert", cfg.MaxConvertConcurrent)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func newConverter(cfg config.Config, logger *slog.Logger) pipeline.Converter {
	if cfg.Converter == config.ConverterNative {
		return native.New(native.Options{
			TextTimeout:   cfg.PDFToTextTimeout,
			RenderTimeout: cfg.RenderTimeout,
			MaxPages:      cfg.NativeMaxPages,
		}, logger)
	}
	return docling.New(cfg.DoclingURL, cfg.DoclingAPIKey, docling.Options{
		DoOCR:            cfg.DoclingDoOCR,
		DoTableStructure: cfg.DoclingDoTables,
		ImagesScale:      cfg.DoclingImagesScale,
		Timeout:          cfg.DoclingTimeout,
	}, logger)
}
