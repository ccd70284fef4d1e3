package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"Protego-Vault/internal/harvest"
)

type submitHarvestRequest struct {
	ID       string         `json:"id,omitempty"`
	Reason   string         `json:"reason"`
	Force    bool           `json:"force"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitHarvest(w http.ResponseWriter, r *http.Request) {
	var req submitHarvestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.harvest.Submit(r.Context(), harvest.Request{
		ID:          req.ID,
		Reason:      req.Reason,
		Force:       req.Force,
		RequestedBy: callerFrom(r).Hex(),
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleHarvestJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, badRequest("job id is required"))
		return
	}
	job, err := s.harvest.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListHarvestJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.harvest.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleHarvestStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.harvest.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 将查询参数转换为任务筛选条件。
//
// Accepted parameters: status (comma separated), executed, since, until
// (unix seconds or RFC3339), q, order=asc|desc, plus limit and offset when
// paging is true.
func parseListOptions(r *http.Request, paging bool) ([]harvest.ListOption, error) {
	query := r.URL.Query()
	var opts []harvest.ListOption

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []harvest.Status
		for _, part := range strings.Split(raw, ",") {
			status := harvest.Status(strings.ToLower(strings.TrimSpace(part)))
			if !harvest.IsValidStatus(status) {
				return nil, badRequest("unknown job status", "status", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, harvest.WithStatuses(statuses...))
	}
	if raw := query.Get("executed"); raw != "" {
		executed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, badRequest("executed must be a boolean", "executed", raw)
		}
		opts = append(opts, harvest.WithExecuted(executed))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, badRequest("invalid since", "since", raw)
		}
		opts = append(opts, harvest.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, badRequest("invalid until", "until", raw)
		}
		opts = append(opts, harvest.WithUpdatedUntil(ts))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, harvest.WithQuery(raw))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, harvest.WithSortOrder(harvest.SortByUpdatedAsc))
	default:
		return nil, badRequest("order must be asc or desc", "order", query.Get("order"))
	}
	if !paging {
		return opts, nil
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, badRequest("limit must be a positive integer", "limit", raw)
		}
		opts = append(opts, harvest.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, badRequest("offset must be a non-negative integer", "offset", raw)
		}
		opts = append(opts, harvest.WithOffset(offset))
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}
