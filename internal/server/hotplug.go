// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
)

// HotplugController is what the HTTP surface needs from the hotplug manager
type HotplugController interface {
	hotplug.Controller
	Admit(policy hotplug.Policy, mask device.CoreMask) error
	Rebuild() error
	AvailableFrequencies() []uint64
}

// HotplugAPI exposes the cooling, governor and performance entry points of
// the hotplug manager over HTTP
type HotplugAPI struct {
	logger *slog.Logger
	api    APIService
	ctrl   HotplugController
}

var (
	_ service.Service     = (*HotplugAPI)(nil)
	_ service.Initializer = (*HotplugAPI)(nil)
)

type (
	MaskResponse struct {
		Hex   string `json:"hex"`
		Cores string `json:"cores"`
		Count int    `json:"count"`
	}

	ArbiterResponse struct {
		Admitted uint64 `json:"admitted"`
		Rejected uint64 `json:"rejected"`
	}

	ApplierResponse struct {
		Scheduled    uint64       `json:"scheduled"`
		Deduplicated uint64       `json:"deduplicated"`
		Applied      uint64       `json:"applied"`
		Unchanged    uint64       `json:"unchanged"`
		Invalid      uint64       `json:"invalid"`
		Failed       uint64       `json:"failed"`
		LastMask     MaskResponse `json:"lastMask"`
		LastApplied  *time.Time   `json:"lastApplied,omitempty"`
		LastError    string       `json:"lastError,omitempty"`
	}

	OperatingPointResponse struct {
		FrequencyKHz uint64 `json:"frequencyKHz"`
		Cores        int    `json:"cores"`
	}

	StatusResponse struct {
		Policy          string                   `json:"policy"`
		Desired         MaskResponse             `json:"desired"`
		Live            MaskResponse             `json:"live"`
		ShaderPresent   MaskResponse             `json:"shaderPresent"`
		AllowedCores    MaskResponse             `json:"allowedCores"`
		MaxState        int                      `json:"maxState"`
		CurState        int                      `json:"curState"`
		Arbiter         ArbiterResponse          `json:"arbiter"`
		Applier         ApplierResponse          `json:"applier"`
		OperatingPoints []OperatingPointResponse `json:"operatingPoints,omitempty"`
	}

	CoolingResponse struct {
		MaxState int `json:"maxState"`
		CurState int `json:"curState"`
	}

	AcceptedResponse struct {
		Result string `json:"result"`
	}
)

// NewHotplugAPI creates the HTTP surface for ctrl
func NewHotplugAPI(api APIService, ctrl HotplugController, logger *slog.Logger) *HotplugAPI {
	return &HotplugAPI{
		logger: logger.With("service", "hotplug-api"),
		api:    api,
		ctrl:   ctrl,
	}
}

func (h *HotplugAPI) Name() string {
	return "hotplug-api"
}

func (h *HotplugAPI) Init() error {
	endpoints := []struct {
		path, summary, description string
		handler                    http.HandlerFunc
	}{
		{"/hotplug/status", "Hotplug Status", "Active policy, desired and live core masks, applier counters", h.handleStatus},
		{"/hotplug/cooling", "Cooling Device", "GET max/cur state; POST ?state=N limits active cores for thermal mitigation", h.handleCooling},
		{"/hotplug/governor", "Virtual Frequency", "GET available frequencies; POST ?step=N or ?frequency=KHZ", h.handleGovernor},
		{"/hotplug/performance", "Interactive Performance", "POST ?cores=N sets the interactive performance core budget", h.handlePerformance},
		{"/hotplug/mask", "Core Mask", "POST ?policy=NAME&mask=HEX admits an explicit core mask; the full set relinquishes", h.handleMask},
		{"/hotplug/rebuild", "Rebuild", "POST re-reads present shader cores and rebuilds the core mask table", h.handleRebuild},
	}

	for _, e := range endpoints {
		if err := h.api.Register(e.path, e.summary, e.description, e.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.path, err)
		}
	}
	return nil
}

func (h *HotplugAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	status, err := h.ctrl.Status()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONResponse(h.logger, w, http.StatusOK, newStatusResponse(status))
}

func (h *HotplugAPI) handleCooling(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		cur, err := h.ctrl.CoolingCurState()
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSONResponse(h.logger, w, http.StatusOK, CoolingResponse{
			MaxState: h.ctrl.CoolingMaxState(),
			CurState: cur,
		})
		return
	}

	state, err := intParam(r, "state")
	if err != nil {
		writeJSONError(h.logger, w, http.StatusBadRequest, err)
		return
	}
	h.writeResult(w, h.ctrl.CoolingSetCurState(state))
}

func (h *HotplugAPI) handleGovernor(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		writeJSONResponse(h.logger, w, http.StatusOK, h.ctrl.AvailableFrequencies())
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("step") && q.Has("frequency"):
		writeJSONError(h.logger, w, http.StatusBadRequest, errors.New("step and frequency are mutually exclusive"))

	case q.Has("step"):
		step, err := intParam(r, "step")
		if err != nil {
			writeJSONError(h.logger, w, http.StatusBadRequest, err)
			return
		}
		h.writeResult(w, h.ctrl.GovernorSetFrequencyStep(step))

	case q.Has("frequency"):
		khz, err := strconv.ParseUint(q.Get("frequency"), 10, 64)
		if err != nil {
			writeJSONError(h.logger, w, http.StatusBadRequest, fmt.Errorf("invalid frequency %q", q.Get("frequency")))
			return
		}
		h.writeResult(w, h.ctrl.GovernorSetFrequency(khz))

	default:
		writeJSONError(h.logger, w, http.StatusBadRequest, errors.New("one of step or frequency is required"))
	}
}

func (h *HotplugAPI) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	cores, err := intParam(r, "cores")
	if err != nil {
		writeJSONError(h.logger, w, http.StatusBadRequest, err)
		return
	}
	h.writeResult(w, h.ctrl.PerformanceSetCoreBudget(cores))
}

func (h *HotplugAPI) handleMask(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	q := r.URL.Query()
	policy, err := hotplug.ParsePolicy(q.Get("policy"))
	if err != nil {
		writeJSONError(h.logger, w, http.StatusBadRequest, err)
		return
	}
	if !q.Has("mask") {
		writeJSONError(h.logger, w, http.StatusBadRequest, errors.New("mask is required"))
		return
	}
	mask, err := device.ParseCoreMask(q.Get("mask"))
	if err != nil {
		writeJSONError(h.logger, w, http.StatusBadRequest, err)
		return
	}
	h.writeResult(w, h.ctrl.Admit(policy, mask))
}

func (h *HotplugAPI) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	if err := h.ctrl.Rebuild(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONResponse(h.logger, w, http.StatusOK, AcceptedResponse{Result: "rebuilt"})
}

// writeResult reports an admitted request as 202; the hardware write
// happens later on the applier
func (h *HotplugAPI) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONResponse(h.logger, w, http.StatusAccepted, AcceptedResponse{Result: "accepted"})
}

func (h *HotplugAPI) writeError(w http.ResponseWriter, err error) {
	code := statusCodeFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("hotplug request failed", "error", err)
	} else {
		h.logger.Debug("hotplug request refused", "error", err, "code", code)
	}
	writeJSONError(h.logger, w, code, err)
}

func statusCodeFor(err error) int {
	switch {
	case hotplug.IsRejected(err):
		return http.StatusConflict
	case errors.Is(err, hotplug.ErrInvalidCoreCount),
		errors.Is(err, hotplug.ErrInvalidPolicy),
		errors.Is(err, hotplug.ErrInvalidCoreMask),
		errors.Is(err, hotplug.ErrNoOperatingPoints):
		return http.StatusBadRequest
	case errors.Is(err, hotplug.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func newStatusResponse(s hotplug.Status) StatusResponse {
	resp := StatusResponse{
		Policy:        s.Policy.String(),
		Desired:       maskResponse(s.DesiredMask),
		Live:          maskResponse(s.LiveMask),
		ShaderPresent: maskResponse(s.ShaderPresent),
		AllowedCores:  maskResponse(s.AllowedCores),
		MaxState:      s.MaxState,
		CurState:      s.CurState,
		Arbiter: ArbiterResponse{
			Admitted: s.Arbiter.Admitted,
			Rejected: s.Arbiter.Rejected,
		},
		Applier: ApplierResponse{
			Scheduled:    s.Applier.Scheduled,
			Deduplicated: s.Applier.Deduplicated,
			Applied:      s.Applier.Applied,
			Unchanged:    s.Applier.Unchanged,
			Invalid:      s.Applier.Invalid,
			Failed:       s.Applier.Failed,
			LastMask:     maskResponse(s.Applier.LastMask),
			LastError:    s.Applier.LastError,
		},
	}
	if !s.Applier.LastApplied.IsZero() {
		t := s.Applier.LastApplied
		resp.Applier.LastApplied = &t
	}
	for _, p := range s.OperatingPoints {
		resp.OperatingPoints = append(resp.OperatingPoints, OperatingPointResponse{
			FrequencyKHz: p.FrequencyKHz,
			Cores:        p.Cores,
		})
	}
	return resp
}

func maskResponse(m device.CoreMask) MaskResponse {
	return MaskResponse{Hex: m.Hex(), Cores: m.CoreList(), Count: m.Count()}
}
