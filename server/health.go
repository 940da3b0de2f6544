package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/hubenschmidt/go-vectordata/service"
)

const serviceName = "vectord"

type HealthResponse struct {
	Status          string `json:"status"`
	Timestamp       int64  `json:"timestamp"`
	Service         string `json:"service"`
	Version         string `json:"version"`
	CollectionState string `json:"collection_state"`
}

type InfoResponse struct {
	Application   string         `json:"application"`
	Description   string         `json:"description"`
	Version       string         `json:"version"`
	GoVersion     string         `json:"go_version"`
	OS            string         `json:"os"`
	Arch          string         `json:"arch"`
	NumCPU        int            `json:"num_cpu"`
	NumGoroutine  int            `json:"num_goroutine"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Timestamp     int64          `json:"timestamp"`
	Collection    service.Status `json:"collection"`
	Embedding     *EmbeddingInfo `json:"embedding,omitempty"`
}

type EmbeddingInfo struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, HealthResponse{
		Status:          "UP",
		Timestamp:       time.Now().UnixMilli(),
		Service:         serviceName,
		Version:         s.version,
		CollectionState: s.svc.Status().State,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{
		Application:   serviceName,
		Description:   "vector record service: text embedding, storage and similarity search",
		Version:       s.version,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		NumGoroutine:  runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Timestamp:     time.Now().UnixMilli(),
		Collection:    s.svc.Status(),
	}

	if s.probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		emb := &EmbeddingInfo{Endpoint: s.probe.Endpoint(), Model: s.probe.Model()}
		ok, err := s.probe.Reachable(ctx)
		emb.Reachable = ok
		if err != nil {
			emb.Error = err.Error()
		}
		info.Embedding = emb
	}

	writeOK(w, info)
}
