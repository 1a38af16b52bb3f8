// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
)

const (
	pprofPath = "/debug/pprof/"

	// sample one in every N contended lock events on the arbiter, applier
	// and rebuild gate
	defaultMutexProfileFraction = 5
	defaultBlockProfileRate     = 10_000 // ns
)

// Pprof serves runtime profiles with mutex and block profiling switched on
type Pprof struct {
	logger *slog.Logger
	api    APIService

	mutexFraction int
	blockRate     int
}

var (
	_ service.Service     = (*Pprof)(nil)
	_ service.Initializer = (*Pprof)(nil)
	_ service.Shutdowner  = (*Pprof)(nil)
)

// NewPprof exposes runtime profiles under /debug/pprof/ on api
func NewPprof(api APIService, logger *slog.Logger) *Pprof {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pprof{
		logger:        logger.With("service", "pprof"),
		api:           api,
		mutexFraction: defaultMutexProfileFraction,
		blockRate:     defaultBlockProfileRate,
	}
}

func (p *Pprof) Name() string {
	return "pprof"
}

func (p *Pprof) Init() error {
	if err := p.api.Register(pprofPath, "pprof", "Profiling data of the hotplug daemon", pprofHandlers()); err != nil {
		return err
	}

	runtime.SetMutexProfileFraction(p.mutexFraction)
	runtime.SetBlockProfileRate(p.blockRate)
	p.logger.Info("Profiling enabled",
		"path", pprofPath,
		"mutex-fraction", p.mutexFraction,
		"block-rate-ns", p.blockRate)
	return nil
}

// Shutdown turns lock contention sampling off again
func (p *Pprof) Shutdown() error {
	runtime.SetMutexProfileFraction(0)
	runtime.SetBlockProfileRate(0)
	p.logger.Debug("Profiling disabled")
	return nil
}

func pprofHandlers() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(pprofPath, pprof.Index)
	mux.HandleFunc(pprofPath+"cmdline", pprof.Cmdline)
	mux.HandleFunc(pprofPath+"profile", pprof.Profile)
	mux.HandleFunc(pprofPath+"symbol", pprof.Symbol)
	mux.HandleFunc(pprofPath+"trace", pprof.Trace)
	for _, name := range []string{"mutex", "block", "goroutine"} {
		mux.Handle(pprofPath+name, pprof.Handler(name))
	}

	return mux
}
