package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toricodesthings/page-verification-service/internal/config"
	"github.com/toricodesthings/page-verification-service/internal/ocr"
	"github.com/toricodesthings/page-verification-service/internal/preprocess"
	"github.com/toricodesthings/page-verification-service/internal/scratch"
	"github.com/toricodesthings/page-verification-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scratchMgr, err := scratch.New(cfg.ScratchDir)
	if err != nil {
		panic(err)
	}
	// Anything left in the scratch dir belongs to a previous run.
	if n, err := scratchMgr.Sweep(0); err != nil {
		fmt.Fprintf(os.Stderr, "warning: initial scratch sweep: %v\n", err)
	} else if n > 0 {
		fmt.Printf("[sweep] removed %d leftover scratch files\n", n)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	engine := ocr.NewTesseract(cfg.OCRBinary, cfg.MaxOCRConcurrent)

	s, err := newServer(cfg, deps{
		scratch:  scratchMgr,
		engine:   engine,
		store:    st,
		orienter: preprocess.ExifOrienter{},
	})
	if err != nil {
		panic(err)
	}

	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.ocrVersion, err = engine.Version(versionCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s not usable (verification will fail): %v\n", cfg.OCRBinary, err)
	}

	if !cfg.ReferenceCreationEnabled() {
		fmt.Fprintln(os.Stderr, "warning: ADMIN_PASSWORD not set (reference creation disabled)")
	}

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	go s.housekeeping(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("pageverify listening on %s (max concurrent: %d, OCR: %d, lang: %s)\n",
		srv.Addr, cfg.MaxConcurrentRequests, cfg.MaxOCRConcurrent, cfg.OCRLanguage)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "warning: DATABASE_URL not set (using in-memory reference store)")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, store.PostgresConfig{
		ConnString: cfg.DatabaseURL,
		TableName:  cfg.DatabaseTable,
	})
}
