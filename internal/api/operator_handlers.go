package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"
	"staysync/internal/service"
)

type createBlockRequest struct {
	UnitID string `json:"unit_id"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Note   string `json:"note"`
}

type syncPassResponse struct {
	UnitID      string               `json:"unit_id"`
	Channel     models.Source        `json:"channel"`
	NotModified bool                 `json:"not_modified"`
	Created     int                  `json:"created"`
	Updated     int                  `json:"updated"`
	Cancelled   int                  `json:"cancelled"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	Resolved    int                  `json:"resolved"`
	Anomalies   []models.SyncAnomaly `json:"anomalies"`
	NextSyncAt  time.Time            `json:"next_sync_at"`
}

func pathInt(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var body createBlockRequest
	if err := decodeBody(r, &body, false); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	start, err := parseDateField("start", body.Start)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	end, err := parseDateField("end", body.End)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	iv, err := s.svc.Operator.CreateBlock(r.Context(), service.BlockRequest{
		UnitID: strings.TrimSpace(body.UnitID),
		Range:  models.NewDateRange(start, end),
		Note:   body.Note,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

// handleRemoveBlock accepts an optional ?version= for compare-and-swap.
func (s *HTTPServer) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var expected *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeDomainError(w, r, domain.NewValidationError("version", "must be an integer"))
			return
		}
		expected = &v
	}

	iv, err := s.svc.Operator.RemoveBlock(r.Context(), id, expected)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (s *HTTPServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	health, err := s.svc.Operator.ChannelHealth(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if health == nil {
		health = []models.ChannelHealth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": health})
}

func (s *HTTPServer) handleForceSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Operator.ForceSync(r.Context(), r.PathValue("unit"), models.Source(r.PathValue("channel")))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	anomalies := res.Anomalies
	if anomalies == nil {
		anomalies = []models.SyncAnomaly{}
	}
	writeJSON(w, http.StatusOK, syncPassResponse{
		UnitID:      res.UnitID,
		Channel:     res.Channel,
		NotModified: res.NotModified,
		Created:     res.Created,
		Updated:     res.Updated,
		Cancelled:   res.Cancelled,
		Failed:      res.Failed,
		Skipped:     res.Skipped,
		Resolved:    res.Resolved,
		Anomalies:   anomalies,
		NextSyncAt:  res.NextSyncAt,
	})
}

func (s *HTTPServer) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Operator.Anomalies(r.Context(), strings.TrimSpace(r.URL.Query().Get("unit_id")))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": list})
}

func (s *HTTPServer) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.svc.Operator.ResolveAnomaly(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}
