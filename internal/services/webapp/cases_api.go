package webapp

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/services/forensicexport"
	"custody-ledger/internal/services/forensicpdf"
	"custody-ledger/internal/services/registry"
)

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if parseBool(q.Get("mine"), false) {
			rows, err := s.registry.OpenCasesAssignedTo(r.Context(), actor.UserID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
			return
		}
		f := model.CaseFilter{
			Priority:   model.Priority(q.Get("priority")),
			AssignedTo: q.Get("assigned_to"),
			Limit:      parseInt(q.Get("limit"), 50),
			Offset:     parseInt(q.Get("offset"), 0),
		}
		for _, st := range strings.Split(q.Get("status"), ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, model.CaseStatus(st))
			}
		}
		rows, err := s.registry.ListCases(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
	case http.MethodPost:
		var req registry.CaseInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		c, err := s.registry.CreateCase(r.Context(), actor, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "create", "case", c.CaseID, map[string]any{"case_no": c.CaseNo, "title": c.Title})
		writeJSON(w, http.StatusCreated, map[string]any{"case": c})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCaseRoutes(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	parts := pathParts(r.URL.Path, "/api/cases/")
	if len(parts) == 0 {
		writeError(w, errNotFoundRoute)
		return
	}
	caseID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleCase(w, r, actor, caseID)
	case "evidence":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rows, err := s.registry.EvidenceFor(r.Context(), caseID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": rows})
	case "reports":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, err := s.registry.GetCase(r.Context(), caseID); err != nil {
			writeError(w, err)
			return
		}
		rows, err := s.store.ListReportsByCase(r.Context(), caseID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": rows})
	case "exports":
		// /api/cases/{case_id}/exports/{pdf|bundle}
		if len(parts) != 3 {
			writeError(w, errNotFoundRoute)
			return
		}
		s.handleCaseExport(w, r, actor, caseID, parts[2])
	default:
		writeError(w, errNotFoundRoute)
	}
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request, actor model.Actor, caseID string) {
	switch r.Method {
	case http.MethodGet:
		c, err := s.registry.GetCase(r.Context(), caseID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case": c})
	case http.MethodPatch:
		var req registry.CasePatch
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		c, err := s.registry.UpdateCase(r.Context(), actor, caseID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "update", "case", caseID, req)
		writeJSON(w, http.StatusOK, map[string]any{"case": c})
	case http.MethodDelete:
		if err := s.registry.DeleteCase(r.Context(), actor, caseID); err != nil {
			writeError(w, err)
			return
		}
		s.audit(r, actor, "delete", "case", caseID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCaseExport(w http.ResponseWriter, r *http.Request, actor model.Actor, caseID, kind string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !actor.Can(model.CapWriteRecords) {
		writeError(w, errclass.ErrPermissionDenied.WithMessage("write_records capability required"))
		return
	}
	var req struct {
		Note   string `json:"note,omitempty"`
		Masked bool   `json:"masked,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	switch kind {
	case "pdf":
		res, err := forensicpdf.GenerateCustodyPDF(r.Context(), s.store, forensicpdf.Options{
			CaseID:    caseID,
			ReportDir: s.cfg.ReportDir,
			Actor:     actor,
			Note:      req.Note,
			Masked:    req.Masked,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	case "bundle":
		res, err := forensicexport.GenerateCaseBundle(r.Context(), s.store, forensicexport.BundleOptions{
			CaseID:    caseID,
			ExportDir: s.cfg.ReportDir,
			Actor:     actor,
			Note:      req.Note,
			Masked:    req.Masked,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		writeError(w, errNotFoundRoute)
	}
}

// /api/reports/{report_id}[/download]
func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request, actor model.Actor) {
	parts := pathParts(r.URL.Path, "/api/reports/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, errNotFoundRoute)
		return
	}
	reportID := parts[0]

	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeError(w, errclass.ErrNotFound.WithMessagef("report %s", reportID))
		return
	}

	if len(parts) == 2 {
		if parts[1] != "download" {
			writeError(w, errNotFoundRoute)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, err := os.Stat(info.FilePath); err != nil {
			writeError(w, errclass.ErrSourceUnavailable.WithMessagef("report file: %v", err))
			return
		}
		s.audit(r, actor, "download", "report", reportID, nil)
		serveFile(w, r, info.FilePath, info.ReportType+"_"+reportID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"report": info})
	case http.MethodDelete:
		if !actor.Can(model.CapDeleteRecords) {
			writeError(w, errclass.ErrPermissionDenied.WithMessage("delete_records capability required"))
			return
		}
		if err := s.store.DeleteReport(r.Context(), reportID); err != nil {
			writeError(w, err)
			return
		}
		if err := os.Remove(info.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove report file failed", map[string]string{"report_id": reportID, "error": err.Error()})
		}
		s.audit(r, actor, "delete", "report", reportID, map[string]any{"report_type": info.ReportType, "sha256": info.SHA256})
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
