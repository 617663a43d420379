package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/ensemble/internal/store"
)

type SimulationResponse struct {
	SimID           int64     `json:"sim_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Trials          int       `json:"trials"`
	Seed            int64     `json:"seed"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
}

type StatusCountResponse struct {
	Experiment string `json:"experiment"`
	Status     string `json:"status"`
	Runs       int    `json:"runs"`
}

type RunResponse struct {
	RunID      int64   `json:"run_id"`
	Experiment string  `json:"experiment"`
	Role       string  `json:"role"`
	TrialNum   int     `json:"trial_num"`
	Status     string  `json:"status"`
	RetryCount int     `json:"retry_count"`
	WorkerID   *string `json:"worker_id,omitempty"`
	Error      *string `json:"error,omitempty"`
}

type ResultRowResponse struct {
	RunID      int64   `json:"run_id"`
	Experiment string  `json:"experiment"`
	Role       string  `json:"role"`
	TrialNum   int     `json:"trial_num"`
	ResultName string  `json:"result_name"`
	Value      float64 `json:"value"`
}

type SimulationsHandler struct {
	Store *store.Store
}

func (h *SimulationsHandler) Register(g *echo.Group, secret []byte) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/status", h.status)
	g.GET("/:id/runs", h.runs)
	g.GET("/:id/results", h.results)
	g.POST("/:id/cancel", h.cancel, AuthMiddleware(secret))
}

func (h *SimulationsHandler) list(c echo.Context) error {
	sims, err := h.Store.ListSimulations(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SimulationResponse, 0, len(sims))
	for _, sim := range sims {
		out = append(out, toSimulationResponse(sim))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SimulationsHandler) get(c echo.Context) error {
	sim, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSimulationResponse(sim))
}

func (h *SimulationsHandler) status(c echo.Context) error {
	sim, err := h.lookup(c)
	if err != nil {
		return err
	}
	summary, err := h.Store.StatusSummary(c.Request().Context(), sim.SimID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]StatusCountResponse, 0, len(summary))
	for _, sc := range summary {
		out = append(out, StatusCountResponse{Experiment: sc.Experiment, Status: sc.Status, Runs: sc.Runs})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SimulationsHandler) runs(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", store.RunStatusPending, store.RunStatusQueued, store.RunStatusRunning,
		store.RunStatusSucceeded, store.RunStatusFailed, store.RunStatusAborted:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(status))
	}
	sim, err := h.lookup(c)
	if err != nil {
		return err
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), sim.SimID, status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunResponse{
			RunID:      r.RunID,
			Experiment: r.Experiment,
			Role:       r.Role,
			TrialNum:   r.TrialNum,
			Status:     r.Status,
			RetryCount: r.RetryCount,
			WorkerID:   r.WorkerID,
			Error:      r.Error,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SimulationsHandler) results(c echo.Context) error {
	sim, err := h.lookup(c)
	if err != nil {
		return err
	}
	rows, err := h.Store.Results(c.Request().Context(), sim.SimID, c.QueryParam("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ResultRowResponse, 0, len(rows))
	for _, rr := range rows {
		out = append(out, ResultRowResponse{
			RunID:      rr.RunID,
			Experiment: rr.Experiment,
			Role:       rr.Role,
			TrialNum:   rr.TrialNum,
			ResultName: rr.ResultName,
			Value:      rr.Value,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SimulationsHandler) cancel(c echo.Context) error {
	sim, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := h.Store.RequestCancel(c.Request().Context(), sim.SimID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"sim_id":           sim.SimID,
		"cancel_requested": true,
	})
}

func (h *SimulationsHandler) lookup(c echo.Context) (store.Simulation, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return store.Simulation{}, echo.NewHTTPError(http.StatusBadRequest, "bad simulation id")
	}
	sim, ok, err := h.Store.GetSimulation(c.Request().Context(), id)
	if err != nil {
		return store.Simulation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return store.Simulation{}, echo.NewHTTPError(http.StatusNotFound, "simulation not found")
	}
	return sim, nil
}

func toSimulationResponse(sim store.Simulation) SimulationResponse {
	return SimulationResponse{
		SimID:           sim.SimID,
		Name:            sim.Name,
		Description:     sim.Description,
		Trials:          sim.Trials,
		Seed:            sim.Seed,
		CancelRequested: sim.CancelRequested,
		CreatedAt:       sim.CreatedAt,
	}
}
