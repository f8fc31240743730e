package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"custody-ledger/internal/adapters/filestore"
	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/logging"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
	"custody-ledger/internal/services/lifecycle"
	"custody-ledger/internal/services/webapp"

	"github.com/spf13/cobra"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalOpts 是所有子命令共享的持久参数。
type globalOpts struct {
	configPath string
	as         string
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "ledger-cli",
		Short:         "Evidence custody and integrity ledger",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "YAML config file (missing file falls back to defaults + DEFM_* env)")
	root.PersistentFlags().StringVar(&g.as, "as", "", "username recorded as the acting user")

	root.AddCommand(
		newMigrateCmd(g),
		newServeCmd(g),
		newUserCmd(g),
		newVerifyCmd(g),
		newExportCmd(g),
	)
	return root
}

func newMigrateCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied successfully: db=%s\n", env.cfg.DBPath)
			return nil
		},
	}
}

func newServeCmd(g *globalOpts) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Load(g.configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) != "" {
				cfg.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return webapp.Run(ctx, cfg, newLogger(cfg, os.Stdout))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

// cliEnv 是一次命令执行期间打开的配置、日志与数据库。
type cliEnv struct {
	cfg   app.Config
	log   logging.Logger
	db    *sql.DB
	store *sqliteadapter.Store
}

// openEnv 加载配置并打开（迁移）数据库。日志写 stderr，stdout 只留给命令结果。
func openEnv(cmd *cobra.Command, g *globalOpts) (*cliEnv, error) {
	cfg, err := app.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	db, err := sqliteadapter.OpenAndMigrate(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &cliEnv{
		cfg:   cfg,
		log:   newLogger(cfg, cmd.ErrOrStderr()),
		db:    db,
		store: sqliteadapter.NewStore(db),
	}, nil
}

func (e *cliEnv) Close() error {
	return e.db.Close()
}

func (e *cliEnv) ledger() *custody.Ledger {
	return custody.NewLedger(e.store, e.log)
}

func (e *cliEnv) lifecycle() *lifecycle.Manager {
	verifier := integrity.New(e.cfg.HashTimeout)
	files := filestore.New(e.cfg.UploadDir, e.cfg.MaxFileSize, verifier)
	return lifecycle.NewManager(e.store, e.ledger(), files, verifier, e.cfg, e.log)
}

// actor 把 --as 指定的用户名解析为调用者。
func (e *cliEnv) actor(ctx context.Context, username string) (model.Actor, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.Actor{}, errclass.ErrUnauthenticated.WithMessage("--as USERNAME is required for this command")
	}
	u, err := e.store.GetUserByUsername(ctx, username)
	if err != nil {
		return model.Actor{}, err
	}
	if u == nil {
		return model.Actor{}, errclass.ErrNotFound.WithMessagef("user %s", username)
	}
	if !u.Active {
		return model.Actor{}, errclass.ErrUnauthenticated.WithMessagef("user %s is inactive", username)
	}
	return model.Actor{UserID: u.UserID, Username: u.Username, Role: u.Role}, nil
}

// audit 写入一条来源为 CLI 的审计日志；失败只记日志。
func (e *cliEnv) audit(ctx context.Context, actor model.Actor, action, entityType, entityID string, detail any) {
	err := e.store.AppendAudit(ctx, sqliteadapter.AuditEntry{
		UserID:     actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		UserAgent:  "ledger-cli/" + app.Version,
	})
	if err != nil {
		e.log.Error("append audit failed", map[string]string{"action": action, "error": err.Error()})
	}
}

func newLogger(cfg app.Config, out io.Writer) logging.Logger {
	return logging.New("custody-ledger", logging.Level(cfg.LogLevel), out)
}
