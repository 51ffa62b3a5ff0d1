package relay

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

// statusRecorder remembers the response status. It passes Hijack through so
// the WebSocket handler can take the connection over.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("relay: connection cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// pathLabel keeps the request counter's label set bounded.
func pathLabel(p string) string {
	switch p {
	case "/v1", "/metrics":
		return p
	}
	return "other"
}

func accessLog(l *logging.Logger, requests *prometheus.CounterVec, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		requests.WithLabelValues(pathLabel(req.URL.Path), strconv.Itoa(rec.status)).Inc()
		l.Infof("%s %s %s %d %dB %v", req.Method, req.URL.Path, req.RemoteAddr, rec.status, rec.bytes, time.Since(start))
	})
}

func (r *Relay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1", r.rendezvous.Handler())
	if !r.cfg.DisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}
	return accessLog(r.log, r.requests, mux)
}
