package webapp

import (
	"net/http"

	"custody-ledger/internal/adapters/filestore"
	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/platform/logging"
	"custody-ledger/internal/services/accounts"
	"custody-ledger/internal/services/auth"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
	"custody-ledger/internal/services/lifecycle"
	"custody-ledger/internal/services/registry"
)

// Server 是 HTTP API 的运行时对象，持有全部核心服务。
type Server struct {
	cfg   app.Config
	store *sqliteadapter.Store
	log   logging.Logger

	accounts  *accounts.Service
	issuer    *auth.Issuer
	registry  *registry.Registry
	ledger    *custody.Ledger
	lifecycle *lifecycle.Manager
}

// NewServer 按配置组装核心服务。
func NewServer(cfg app.Config, store *sqliteadapter.Store, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop{}
	}
	verifier := integrity.New(cfg.HashTimeout)
	ledger := custody.NewLedger(store, log)
	files := filestore.New(cfg.UploadDir, cfg.MaxFileSize, verifier)
	users := accounts.New(store, log)

	return &Server{
		cfg:       cfg,
		store:     store,
		log:       log,
		accounts:  users,
		issuer:    auth.NewIssuer(users, cfg.JWTSecret, cfg.TokenTTL),
		registry:  registry.New(store, log),
		ledger:    ledger,
		lifecycle: lifecycle.NewManager(store, ledger, files, verifier, cfg, log),
	}
}

// Handler 返回带请求日志与 CORS 的根 handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withLogging(s.withCORS(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/refresh", s.authed(s.handleRefresh))
	mux.HandleFunc("/api/auth/me", s.authed(s.handleMe))

	mux.HandleFunc("/api/users", s.authed(s.handleUsers))
	mux.HandleFunc("/api/users/", s.authed(s.handleUserRoutes))
	mux.HandleFunc("/api/dashboard", s.authed(s.handleDashboard))

	mux.HandleFunc("/api/cases", s.authed(s.handleCases))
	mux.HandleFunc("/api/cases/", s.authed(s.handleCaseRoutes))

	mux.HandleFunc("/api/evidence", s.authed(s.handleEvidence))
	mux.HandleFunc("/api/evidence/", s.authed(s.handleEvidenceRoutes))
	mux.HandleFunc("/api/custody/", s.authed(s.handleCustodyRoutes))

	mux.HandleFunc("/api/reports/", s.authed(s.handleReportRoutes))
	mux.HandleFunc("/api/audits", s.authed(s.handleAudits))
	mux.HandleFunc("/api/audits/verify", s.authed(s.handleAuditsVerify))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errNotFoundRoute)
	})
}
