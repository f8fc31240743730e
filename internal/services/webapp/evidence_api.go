package webapp

import (
	"errors"
	"io"
	"net/http"
	"time"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
	"custody-ledger/internal/services/lifecycle"
)

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		rows, err := s.lifecycle.Search(r.Context(), model.EvidenceFilter{
			CaseID: q.Get("case_id"),
			Type:   model.EvidenceType(q.Get("type")),
			Status: model.EvidenceStatus(q.Get("status")),
			Query:  q.Get("q"),
			Limit:  parseInt(q.Get("limit"), 50),
			Offset: parseInt(q.Get("offset"), 0),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": rows})
	case http.MethodPost:
		var req lifecycle.RegisterInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		e, err := s.lifecycle.Register(r.Context(), actor, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "create", "evidence", e.EvidenceID, map[string]any{"evidence_no": e.EvidenceNo, "case_id": e.CaseID})
		writeJSON(w, http.StatusCreated, map[string]any{"evidence": e})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// /api/evidence/{evidence_id}/{action}
func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	parts := pathParts(r.URL.Path, "/api/evidence/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, errNotFoundRoute)
		return
	}
	evidenceID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleEvidenceItem(w, r, actor, evidenceID)
	case "status":
		s.handleEvidenceStatus(w, r, actor, evidenceID)
	case "file":
		s.handleEvidenceFile(w, r, actor, evidenceID)
	case "custody":
		s.handleEvidenceCustody(w, r, actor, evidenceID)
	case "transfer":
		s.handleEvidenceTransfer(w, r, actor, evidenceID)
	case "holder":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		holder, err := s.ledger.LatestHolder(r.Context(), evidenceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence_id": evidenceID, "holder": holder})
	case "integrity":
		s.handleEvidenceIntegrity(w, r, actor, evidenceID)
	case "chain":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res, err := s.ledger.VerifyChain(r.Context(), evidenceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, errNotFoundRoute)
	}
}

func (s *Server) handleEvidenceItem(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	switch r.Method {
	case http.MethodGet:
		e, err := s.lifecycle.Get(r.Context(), evidenceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": e})
	case http.MethodPatch:
		var req lifecycle.DetailsPatch
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		e, err := s.lifecycle.UpdateDetails(r.Context(), actor, evidenceID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "update", "evidence", evidenceID, req)
		writeJSON(w, http.StatusOK, map[string]any{"evidence": e})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceStatus(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Status model.EvidenceStatus `json:"status"`
		Notes  string               `json:"notes,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.lifecycle.Transition(r.Context(), actor, evidenceID, req.Status, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, actor, "transition", "evidence", evidenceID, map[string]any{"status": e.Status})
	writeJSON(w, http.StatusOK, map[string]any{"evidence": e})
}

// POST 上传附件（multipart 字段 file），GET 下载附件。
func (s *Server) handleEvidenceFile(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+(1<<20))
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, errclass.ErrInvalidArgument.WithMessagef("multipart body required: %v", err))
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				writeError(w, errclass.ErrInvalidArgument.WithMessage("multipart field \"file\" is required"))
				return
			}
			if err != nil {
				writeError(w, errclass.ErrInvalidArgument.WithMessagef("read multipart: %v", err))
				return
			}
			if part.FormName() != "file" {
				_ = part.Close()
				continue
			}
			// 上传体读取阻塞时由连接读截止时间打断
			body := integrity.WithReadDeadline(part, http.NewResponseController(w))
			e, err := s.lifecycle.AttachFile(r.Context(), actor, evidenceID, body, part.FileName(), part.Header.Get("Content-Type"))
			_ = part.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			s.audit(r, actor, "upload", "evidence", evidenceID, map[string]any{
				"file_name": e.File.FileName, "sha256": e.File.SHA256, "size_bytes": e.File.SizeBytes,
			})
			writeJSON(w, http.StatusCreated, map[string]any{"evidence": e})
			return
		}
	case http.MethodGet:
		f, e, err := s.lifecycle.OpenFile(r.Context(), evidenceID)
		if err != nil {
			writeError(w, err)
			return
		}
		defer f.Close()
		modTime := time.Unix(e.UpdatedAt, 0)
		if st, err := f.Stat(); err == nil {
			modTime = st.ModTime()
		}
		s.audit(r, actor, "download", "evidence", evidenceID, map[string]any{"sha256": e.File.SHA256})
		serveContent(w, r, e.File.FileName, e.File.MimeType, modTime, f)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceCustody(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	switch r.Method {
	case http.MethodGet:
		order := model.Chronological
		if r.URL.Query().Get("order") == string(model.ReverseChronological) {
			order = model.ReverseChronological
		}
		rows, err := s.ledger.History(r.Context(), evidenceID, order)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"custody": rows})
	case http.MethodPost:
		var req custody.AppendInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		req.EvidenceID = evidenceID
		ev, err := s.ledger.Append(r.Context(), actor, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "custody_append", "custody", ev.EventID, map[string]any{"evidence_id": evidenceID, "action": ev.Action})
		writeJSON(w, http.StatusCreated, map[string]any{"event": ev})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceTransfer(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req custody.TransferInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.EvidenceID = evidenceID
	ev, err := s.ledger.Transfer(r.Context(), actor, req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, actor, "transfer", "custody", ev.EventID, map[string]any{
		"evidence_id": evidenceID, "from": ev.TransferredFrom, "to": ev.TransferredTo,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"event": ev})
}

// 校验结论为 fail/unavailable 时仍返回报告，状态码取自结论类别。
func (s *Server) handleEvidenceIntegrity(w http.ResponseWriter, r *http.Request, actor model.Actor, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := s.lifecycle.VerifyIntegrity(r.Context(), actor, evidenceID)
	if report == nil {
		writeError(w, err)
		return
	}
	s.audit(r, actor, "verify", "evidence", evidenceID, map[string]any{"result": report.Result, "event_id": report.EventID})
	if err != nil {
		body := errorBody(err)
		body["report"] = report
		writeJSON(w, statusFor(err), body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// /api/custody/{event_id}[/void]
func (s *Server) handleCustodyRoutes(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	parts := pathParts(r.URL.Path, "/api/custody/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, errNotFoundRoute)
		return
	}
	eventID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ev, err := s.store.GetCustodyEvent(r.Context(), eventID)
		if err != nil {
			writeError(w, err)
			return
		}
		if ev == nil {
			writeError(w, errclass.ErrNotFound.WithMessagef("custody event %s", eventID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event": ev})
		return
	}

	if parts[1] != "void" {
		writeError(w, errNotFoundRoute)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.ledger.Void(r.Context(), actor, eventID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, actor, "void", "custody", eventID, map[string]any{"void_event_id": ev.EventID, "reason": req.Reason})
	writeJSON(w, http.StatusCreated, map[string]any{"event": ev})
}
