package webapp

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/services/accounts"
	"custody-ledger/internal/services/auditverify"
)

var errNotFoundRoute = errclass.ErrNotFound.WithMessage("route not found")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "custody-ledger",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
		},
		"limits": map[string]any{
			"max_file_size":      s.cfg.MaxFileSize,
			"allowed_file_types": s.cfg.AllowedFileTypes,
			"token_ttl_seconds":  int64(s.cfg.TokenTTL.Seconds()),
		},
	})
}

// --- auth ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tok, err := s.issuer.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.log.Warn("login failed", map[string]string{"username": req.Username, "remote": clientIP(r)})
		writeError(w, err)
		return
	}
	s.audit(r, model.Actor{UserID: tok.User.UserID}, "login", "user", tok.User.UserID, nil)
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tok, err := s.issuer.Refresh(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	u, err := s.accounts.Get(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

// --- users ---

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.accounts.List(r.Context(), parseBool(r.URL.Query().Get("active"), false))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": rows})
	case http.MethodPost:
		var req accounts.CreateInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		u, err := s.accounts.Create(r.Context(), actor, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "create", "user", u.UserID, map[string]any{"username": u.Username, "role": u.Role})
		writeJSON(w, http.StatusCreated, map[string]any{"user": u})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUserRoutes(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	parts := pathParts(r.URL.Path, "/api/users/")
	if len(parts) != 1 {
		writeError(w, errNotFoundRoute)
		return
	}
	userID := parts[0]

	switch r.Method {
	case http.MethodGet:
		u, err := s.accounts.Get(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	case http.MethodPatch:
		var req accounts.Patch
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		u, err := s.accounts.Update(r.Context(), actor, userID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		detail := map[string]any{"role": u.Role, "is_active": u.Active, "password_changed": req.Password != nil}
		s.audit(r, actor, "update", "user", userID, detail)
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	case http.MethodDelete:
		u, err := s.accounts.Deactivate(r.Context(), actor, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "deactivate", "user", userID, nil)
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.registry.Dashboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- audits ---

func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !actor.Can(model.CapViewAudit) {
		writeError(w, errclass.ErrPermissionDenied.WithMessage("view_audit capability required"))
		return
	}
	q := r.URL.Query()
	rows, err := s.store.ListAuditLogs(r.Context(), model.AuditFilter{
		UserID:     q.Get("user_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		Since:      parseInt64(q.Get("since"), 0),
		Until:      parseInt64(q.Get("until"), 0),
		Limit:      parseInt(q.Get("limit"), 100),
		Offset:     parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

func (s *Server) handleAuditsVerify(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !actor.Can(model.CapViewAudit) {
		writeError(w, errclass.ErrPermissionDenied.WithMessage("view_audit capability required"))
		return
	}
	logs, err := s.store.ListAuditChain(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditverify.VerifyAuditLogs(logs))
}

// --- helpers ---

// audit 写入一条审计日志。审计失败只记日志，不影响已提交的业务结果。
func (s *Server) audit(r *http.Request, actor model.Actor, action, entityType, entityID string, detail any) {
	err := s.store.AppendAudit(r.Context(), sqliteadapter.AuditEntry{
		UserID:     actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		s.log.Error("append audit failed", map[string]string{
			"action": action, "entity_type": entityType, "entity_id": entityID, "error": err.Error(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errclass.ErrInvalidArgument),
		errors.Is(err, errclass.ErrInvalidTransfer),
		errors.Is(err, errclass.ErrInvalidStateTransition),
		errors.Is(err, errclass.ErrNoDescriptor):
		return http.StatusBadRequest
	case errors.Is(err, errclass.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errclass.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errclass.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errclass.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errclass.ErrSourceUnavailable):
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]any {
	code := errclass.Code(err)
	if code == "" {
		code = "E_INTERNAL"
	}
	return map[string]any{"error": err.Error(), "code": code}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody(err))
}

// decodeJSON 解码请求体，拒绝未知字段与多余内容。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errclass.ErrInvalidArgument.WithMessagef("invalid json: %v", err)
	}
	if dec.More() {
		return errclass.ErrInvalidArgument.WithMessage("invalid json: trailing data")
	}
	return nil
}

// pathParts 去掉前缀后按 "/" 切分路径。
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseInt64(s string, def int64) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
