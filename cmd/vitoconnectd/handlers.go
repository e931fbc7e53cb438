package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/hub"
	"github.com/speters/vitoconnect/optolink"
)

// requestTimeout bounds how long a request waits for the line
const requestTimeout = 30 * time.Second

type api struct {
	hub *hub.Hub
}

func newRouter(h *hub.Hub, g prometheus.Gatherer) *mux.Router {
	a := &api{hub: h}
	router := mux.NewRouter()
	router.HandleFunc("/datapoints", a.getDatapoints).Methods("GET")
	router.HandleFunc("/datapoint/{name}", a.getDatapoint).Methods("GET")
	router.HandleFunc("/datapoint/{name}", a.setDatapoint).Methods("POST")
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/healthcheck", a.healthcheck).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, datapoint.ErrUnknownDatapoint):
		status = http.StatusNotFound
	case errors.Is(err, datapoint.ErrNotWritable):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, datapoint.ErrWriteOutOfRange), errors.Is(err, datapoint.ErrInvalidValue):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, optolink.ErrRetriesExhausted), errors.Is(err, optolink.ErrLinkClosed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func (a *api) getDatapoints(w http.ResponseWriter, r *http.Request) {
	var states []datapoint.State
	for _, dp := range a.hub.Registry().Points() {
		states = append(states, dp.State())
	}
	writeJSON(w, http.StatusOK, states)
}

// getDatapoint returns the last known state, ?refresh=1 reads the device first
func (a *api) getDatapoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	dp, err := a.hub.Registry().Lookup(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if _, err := a.hub.Refresh(ctx, name); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, dp.State())
}

// setDatapoint writes the JSON value in the request body
func (a *api) setDatapoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	dp, err := a.hub.Registry().Lookup(name)
	if err != nil {
		writeError(w, err)
		return
	}

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var val interface{}
	if err := decoder.Decode(&val); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(fmt.Sprintf("Invalid JSON: %v", err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.hub.Write(ctx, name, val); err != nil {
		log.WithField("datapoint", name).Warnf("REST write failed: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp.State())
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	v := struct {
		Version    string    `json:"version"`
		Revision   string    `json:"revision"`
		LastCommit time.Time `json:"last_commit"`
		Dirty      bool      `json:"dirty"`
	}{versioninfo.Version, versioninfo.Revision, versioninfo.LastCommit, versioninfo.DirtyBuild}
	writeJSON(w, http.StatusOK, v)
}

// healthcheck fails once a complete poll cycle went by without any success
func (a *api) healthcheck(w http.ResponseWriter, r *http.Request) {
	rep := a.hub.LastReport()
	status := http.StatusOK
	state := "ok"
	if rep.Polled > 0 && rep.Failed() == rep.Polled {
		status = http.StatusServiceUnavailable
		state = "failing"
	}
	writeJSON(w, status, struct {
		Status    string    `json:"status"`
		LastCycle time.Time `json:"last_cycle"`
		Polled    int       `json:"polled"`
		Failed    int       `json:"failed"`
	}{state, rep.Started, rep.Polled, rep.Failed()})
}
