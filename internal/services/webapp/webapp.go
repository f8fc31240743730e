package webapp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/platform/logging"
)

// Run 启动 HTTP API：打开并迁移数据库，ctx 结束时优雅关闭。
func Run(ctx context.Context, cfg app.Config, log logging.Logger) error {
	if log == nil {
		log = logging.Nop{}
	}
	for _, dir := range []string{cfg.UploadDir, cfg.ReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	db, err := sqliteadapter.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	s := NewServer(cfg, sqliteadapter.NewStore(db), log)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("webapp listening", map[string]string{"addr": cfg.ListenAddr, "version": app.Version})
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
