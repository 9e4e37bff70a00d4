package api

import (
	"net/http"
	"time"

	"github.com/clinicops/automation-engine/internal/metrics"
)

func jobRunResponse(run *metrics.JobRun) JobRunResponse {
	return JobRunResponse{
		ID:             run.ID,
		JobName:        run.JobName,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		ItemsProcessed: run.Counts.Processed,
		ItemsSuccess:   run.Counts.Succeeded,
		ItemsFailed:    run.Counts.Failed,
		Status:         string(run.Status),
		Note:           run.Note,
	}
}

func queryTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func listJobRunsHandler(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		from, ok := queryTime(q.Get("from"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
			return
		}
		to, ok := queryTime(q.Get("to"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339")
			return
		}

		runs, err := svc.ListRuns(r.Context(), q.Get("job"), from, to, queryInt(q.Get("limit"), 100))
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]JobRunResponse, 0, len(runs))
		for i := range runs {
			resp = append(resp, jobRunResponse(&runs[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func jobAggregatesHandler(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		from, ok := queryTime(q.Get("from"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
			return
		}
		to, ok := queryTime(q.Get("to"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339")
			return
		}

		var (
			aggs []metrics.Aggregate
			err  error
		)
		switch period := q.Get("period"); period {
		case "", "day":
			aggs, err = svc.Daily(r.Context(), q.Get("job"), from, to)
		case "week":
			aggs, err = svc.Weekly(r.Context(), q.Get("job"), from, to)
		default:
			writeError(w, http.StatusBadRequest, "invalid_period", "period must be day or week")
			return
		}
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, aggs)
	}
}
