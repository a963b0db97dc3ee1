package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"plugd/internal/dispatch"
	"plugd/internal/energy"
	"plugd/internal/schedule"
	"plugd/internal/storage"
	"plugd/internal/trigger"
	"plugd/pkg/logx"
)

const maxBodyBytes = 1 << 20

// API wires the core components into HTTP handlers.
type API struct {
	log         logx.Logger
	store       *schedule.Store
	engine      *trigger.Engine
	dev         *dispatch.Dispatcher
	audit       storage.Store
	monthToDate bool
}

func NewAPI(store *schedule.Store, engine *trigger.Engine, dev *dispatch.Dispatcher, audit storage.Store, monthToDate bool, log logx.Logger) *API {
	return &API{
		log:         log,
		store:       store,
		engine:      engine,
		dev:         dev,
		audit:       audit,
		monthToDate: monthToDate,
	}
}

func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/energy/day", a.handleEnergyDay)
	mux.HandleFunc("GET /api/energy/month", a.handleEnergyMonth)
	mux.HandleFunc("POST /api/turn_on", a.handleTurnOn)
	mux.HandleFunc("POST /api/turn_off", a.handleTurnOff)
	mux.HandleFunc("GET /api/schedules", a.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", a.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", a.handleDeleteSchedule)
	mux.HandleFunc("GET /api/audit", a.handleAudit)
	mux.HandleFunc("GET /api/healthz", a.handleHealthz)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, res := a.dev.Status(r.Context())
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"is_on":         st.IsOn,
		"current_power": st.CurrentPowerW,
	})
}

func (a *API) handleEnergyDay(w http.ResponseWriter, r *http.Request) {
	a.handleEnergy(w, r, energy.Day(time.Now()))
}

func (a *API) handleEnergyMonth(w http.ResponseWriter, r *http.Request) {
	a.handleEnergy(w, r, energy.Month(time.Now(), a.monthToDate))
}

func (a *API) handleEnergy(w http.ResponseWriter, r *http.Request, win energy.Window) {
	samples, res := a.dev.Energy(r.Context(), win.Interval, win.Start, win.End)
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"energy":  energy.Sum(samples),
	})
}

func (a *API) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	a.writeDispatchResult(w, a.dev.TurnOn(r.Context(), dispatch.SourceManual))
}

func (a *API) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	a.writeDispatchResult(w, a.dev.TurnOff(r.Context(), dispatch.SourceManual))
}

func (a *API) writeDispatchResult(w http.ResponseWriter, res dispatch.Result) {
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.LoadAll()
	if err != nil {
		a.log.Error("list schedules failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Action string `json:"action"`
		Hour   *int   `json:"hour"`
		Minute *int   `json:"minute"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid body: "+err.Error()))
		return
	}
	if in.Hour == nil || in.Minute == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("hour and minute are required"))
		return
	}

	action, err := schedule.ParseAction(in.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	rule, err := schedule.NewRule(action, *in.Hour, *in.Minute)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	// Persist first: a failed save must not leave a live timer behind.
	if err := a.store.Append(rule); err != nil {
		a.log.Error("schedule persist failed", logx.String("id", rule.ID), logx.Err(err))
		writeJSON(w, httpStatusFor(err), errorBody(err.Error()))
		return
	}
	if err := a.engine.Arm(rule); err != nil {
		// Keep store and live state aligned.
		if _, rerr := a.store.Remove(rule.ID); rerr != nil {
			a.log.Error("rollback failed", logx.String("id", rule.ID), logx.Err(rerr))
		}
		a.log.Error("arm failed", logx.String("id", rule.ID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	a.log.Info("schedule created",
		logx.String("id", rule.ID), logx.String("action", string(rule.Action)),
		logx.Int("hour", rule.Hour), logx.Int("minute", rule.Minute))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"schedule": rule,
	})
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Persist first, then disarm. Deleting an unknown ID is a success and
	// leaves the store untouched.
	removed, err := a.store.Remove(id)
	if err != nil {
		a.log.Error("schedule delete failed", logx.String("id", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	a.engine.Disarm(id)

	if removed {
		a.log.Info("schedule deleted", logx.String("id", id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.audit.Recent(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"entries": entries,
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func httpStatusFor(err error) int {
	var verr *schedule.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
