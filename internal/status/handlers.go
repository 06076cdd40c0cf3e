package status

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"castbot/internal/dispatch"
	"castbot/internal/domain"
	"castbot/internal/heartbeat"
	"castbot/internal/lease"
	"castbot/internal/notifier"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/schedule"
)

type InstanceView interface {
	Snapshot() heartbeat.Snapshot
	Status(id string) domain.InstanceStatus
}

type LeaseView interface {
	List(ctx context.Context) ([]domain.Lease, error)
}

type LeaderView interface {
	IsLeader() bool
	Pending() []int64
}

type HeldView interface {
	Held() []lease.Held
}

type BeatView interface {
	Failures() uint64
	LastBeat() time.Time
}

type DispatchView interface {
	Stats() dispatch.Stats
}

type ScheduleView interface {
	Plans() []schedule.Plan
	Stats() schedule.Stats
}

type NotifierView interface {
	Stats() notifier.Stats
}

// Sources are the read-only views the status endpoints render. Nil views are
// reported as unavailable rather than failing the whole request.
type Sources struct {
	InstanceID string
	StartedAt  time.Time

	Instances  InstanceView
	Leases     LeaseView
	Leader     LeaderView
	Held       HeldView
	Beats      BeatView
	Dispatcher DispatchView
	Schedule   ScheduleView
	Notifier   NotifierView
	Reports    domain.ReportLog

	// Supervisors maps a component name to its supervisor accessor.
	Supervisors map[string]func() *rtsup.Supervisor
}

type healthResponse struct {
	Instance    string                   `json:"instance"`
	Status      domain.InstanceStatus    `json:"status"`
	Leader      bool                     `json:"leader"`
	Held        int                      `json:"held"`
	BeatErrors  uint64                   `json:"heartbeat_failures"`
	LastBeat    time.Time                `json:"last_beat"`
	Uptime      string                   `json:"uptime"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

// Handler builds the status router. Token, when set, is required on every route.
func Handler(src Sources, token string, withPprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))
	r.Use(requireToken(token))

	r.Get("/health", src.health)
	r.Get("/instances", src.instances)
	r.Get("/leases", src.leases)
	r.Get("/dispatcher", src.dispatcher)
	r.Get("/schedule", src.schedule)
	r.Get("/reports", src.reports)

	if withPprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/cmdline", hpprof.Cmdline)
			r.HandleFunc("/profile", hpprof.Profile)
			r.HandleFunc("/symbol", hpprof.Symbol)
			r.HandleFunc("/trace", hpprof.Trace)
			r.HandleFunc("/*", hpprof.Index)
		})
	}
	return r
}

func (s Sources) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Instance: s.InstanceID, Status: domain.StatusStarting}
	if s.Instances != nil {
		if st := s.Instances.Status(s.InstanceID); st != "" {
			resp.Status = st
		}
	}
	if s.Leader != nil {
		resp.Leader = s.Leader.IsLeader()
	}
	if s.Held != nil {
		resp.Held = len(s.Held.Held())
	}
	if s.Beats != nil {
		resp.BeatErrors = s.Beats.Failures()
		resp.LastBeat = s.Beats.LastBeat()
	}
	if !s.StartedAt.IsZero() {
		resp.Uptime = time.Since(s.StartedAt).Truncate(time.Second).String()
	}
	if len(s.Supervisors) > 0 {
		resp.Supervisors = map[string]rtsup.Snapshot{}
		for name, get := range s.Supervisors {
			if sup := get(); sup != nil {
				resp.Supervisors[name] = sup.Snapshot()
			}
		}
	}
	code := http.StatusOK
	if resp.Status == domain.StatusDead || resp.Status == domain.StatusSuspect {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s Sources) instances(w http.ResponseWriter, r *http.Request) {
	if s.Instances == nil {
		unavailable(w)
		return
	}
	snap := s.Instances.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"at": snap.At, "instances": snap.Instances})
}

func (s Sources) leases(w http.ResponseWriter, r *http.Request) {
	if s.Leases == nil {
		unavailable(w)
		return
	}
	ls, err := s.Leases.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := map[string]any{"leases": ls}
	if s.Leader != nil {
		out["leader"] = s.Leader.IsLeader()
		out["pending"] = s.Leader.Pending()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Sources) dispatcher(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		unavailable(w)
		return
	}
	out := map[string]any{"dispatcher": s.Dispatcher.Stats()}
	if s.Notifier != nil {
		out["notifier"] = s.Notifier.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Sources) schedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedule == nil {
		unavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.Schedule.Plans(), "stats": s.Schedule.Stats()})
}

func (s Sources) reports(w http.ResponseWriter, r *http.Request) {
	if s.Reports == nil {
		unavailable(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, errBadLimit)
			return
		}
		limit = n
	}
	reps, err := s.Reports.RecentReports(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reps == nil {
		reps = []domain.FailureReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reps})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func unavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, errUnavailable)
}
