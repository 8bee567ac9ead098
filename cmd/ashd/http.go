package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/speters/goash/ash"
)

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

const requestTimeout = 10 * time.Second

// daemon keeps the Transceiver of the current connection for the HTTP handlers
type daemon struct {
	mu   sync.RWMutex
	tr   *ash.Transceiver
	link string

	reg     *prometheus.Registry
	metrics *ash.Metrics
}

func newDaemon() *daemon {
	reg := prometheus.NewRegistry()
	return &daemon{reg: reg, metrics: ash.NewMetrics(reg)}
}

func (d *daemon) current() *ash.Transceiver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tr
}

func (d *daemon) setCurrent(tr *ash.Transceiver, link string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tr = tr
	d.link = link
}

func (d *daemon) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/status", d.getStatus).Methods("GET")
	router.HandleFunc("/send", d.postSend).Methods("POST")
	router.HandleFunc("/reset", d.postReset).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	v := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: buildVersion, BuildDate: buildDate}
	writeJSON(w, http.StatusOK, v)
}

type status struct {
	Link  string    `json:"link"`
	Phase string    `json:"phase"`
	Stats ash.Stats `json:"stats"`
}

func (d *daemon) getStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	tr, link := d.tr, d.link
	d.mu.RUnlock()

	s := status{Link: link, Phase: "disconnected", Stats: d.metrics.Stats()}
	if tr != nil {
		s.Phase = tr.Phase().String()
	}
	writeJSON(w, http.StatusOK, s)
}

type sendRequest struct {
	Payload string `json:"payload"`
}

type sendResponse struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

func (d *daemon) postSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("payload: %w", err))
		return
	}

	tr := d.current()
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("not connected"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	p := tr.Proxy()
	sent, err := p.Submit(ctx, payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	body, err := p.Wait(ctx, sent)
	if err != nil {
		log.WithField("id", sent.ID).Warnf("Send failed: %v", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{ID: sent.ID.String(), Response: hex.EncodeToString(body)})
}

func (d *daemon) postReset(w http.ResponseWriter, r *http.Request) {
	tr := d.current()
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("not connected"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := tr.Reset(ctx); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

func statusFor(err error) int {
	var fe *ash.FrameError
	switch {
	case errors.As(err, &fe):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ash.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ash.ErrLinkFailed), errors.Is(err, ash.ErrResetRequired), errors.Is(err, ash.ErrCancelled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
