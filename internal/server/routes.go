package server

import (
	"net/http"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"repoviz/internal/logging"
	"repoviz/internal/metrics"
)

// Procedure returns the full connect path of a SummaryService method.
func Procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

// NewMux registers the RPCs, the reconcile websocket, metrics and health
// checks behind CORS, request logging and request metrics.
func NewMux(svc *SummaryService, log *zap.Logger) http.Handler {
	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
	mux := http.NewServeMux()

	mux.Handle(Procedure("IsSummarizable"), connect.NewUnaryHandler(Procedure("IsSummarizable"), svc.IsSummarizable, opts...))
	mux.Handle(Procedure("SummarizeFile"), connect.NewUnaryHandler(Procedure("SummarizeFile"), svc.SummarizeFile, opts...))
	mux.Handle(Procedure("SummarizeDirectory"), connect.NewUnaryHandler(Procedure("SummarizeDirectory"), svc.SummarizeDirectory, opts...))
	mux.Handle(Procedure("LoadSummaries"), connect.NewUnaryHandler(Procedure("LoadSummaries"), svc.LoadSummaries, opts...))
	mux.Handle(Procedure("LoadChildrenCounts"), connect.NewUnaryHandler(Procedure("LoadChildrenCounts"), svc.LoadChildrenCounts, opts...))
	mux.Handle(Procedure("DeleteSummary"), connect.NewUnaryHandler(Procedure("DeleteSummary"), svc.DeleteSummary, opts...))
	mux.Handle(Procedure("BatchDeleteSummaries"), connect.NewUnaryHandler(Procedure("BatchDeleteSummaries"), svc.BatchDeleteSummaries, opts...))
	mux.Handle(Procedure("DetectChanges"), connect.NewUnaryHandler(Procedure("DetectChanges"), svc.DetectChanges, opts...))
	mux.Handle(Procedure("CacheStats"), connect.NewUnaryHandler(Procedure("CacheStats"), svc.CacheStats, opts...))
	mux.Handle(Procedure("Ask"), connect.NewUnaryHandler(Procedure("Ask"), svc.Ask, opts...))
	mux.Handle(Procedure("ObserveSnapshot"), connect.NewUnaryHandler(Procedure("ObserveSnapshot"), svc.ObserveSnapshot, opts...))
	mux.Handle(Procedure("ApplyChanges"), connect.NewUnaryHandler(Procedure("ApplyChanges"), svc.ApplyChanges, opts...))
	mux.Handle(Procedure("Reconcile"), connect.NewServerStreamHandler(Procedure("Reconcile"), svc.Reconcile, opts...))

	mux.HandleFunc("/ws/reconcile", svc.HandleReconcileWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	return CORS(logging.Middleware(log)(metrics.Middleware(mux)))
}
