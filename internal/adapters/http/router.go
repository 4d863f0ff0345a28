package httpadapter

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
	"github.com/kirillkom/scanmaster/internal/observability/metrics"
)

const maxUploadBytes = 64 << 20

// Router exposes the v1 API. The identity layer in front of the service
// asserts the caller and passes the user in X-User-Id; handlers treat a
// missing header as an unauthenticated request.
type Router struct {
	ingest     ports.DocumentIngestor
	reader     ports.DocumentReader
	manager    ports.DocumentManager
	chat       ports.DocumentChat
	download   ports.DownloadService
	reconciler ports.PaymentReconciler
	quota      ports.QuotaLedger

	httpMetrics *metrics.HTTPMetrics
	limiter     *uploadRateLimiter
	validator   *RequestValidator
}

type RouterOptions struct {
	Metrics             *metrics.HTTPMetrics
	UploadRatePerMinute int
	Validator           *RequestValidator
}

func NewRouter(
	ingest ports.DocumentIngestor,
	reader ports.DocumentReader,
	manager ports.DocumentManager,
	chat ports.DocumentChat,
	download ports.DownloadService,
	reconciler ports.PaymentReconciler,
	quota ports.QuotaLedger,
	options RouterOptions,
) *Router {
	return &Router{
		ingest:      ingest,
		reader:      reader,
		manager:     manager,
		chat:        chat,
		download:    download,
		reconciler:  reconciler,
		quota:       quota,
		httpMetrics: options.Metrics,
		limiter:     newUploadRateLimiter(options.UploadRatePerMinute),
		validator:   options.Validator,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/documents/{id}/retry", rt.retryDocument)
	mux.HandleFunc("POST /v1/documents/{id}/chat", rt.chatWithDocument)
	mux.HandleFunc("GET /v1/documents/{id}/download", rt.issueDownload)
	mux.HandleFunc("GET /v1/files/{token}", rt.serveFile)
	mux.HandleFunc("POST /v1/payments/verify", rt.verifyPayment)
	mux.HandleFunc("GET /v1/quota", rt.getQuota)

	var handler http.Handler = mux
	if rt.validator != nil {
		handler = rt.validator.Middleware(handler)
	}
	handler = metricsMiddleware(rt.httpMetrics, "api", handler)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User-Id"})
		return
	}
	if !rt.limiter.Allow(userID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "upload rate exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(r.Context(), userID, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), file)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	doc, err := rt.reader.GetOwned(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if err := rt.manager.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		rt.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) retryDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	doc, err := rt.manager.Retry(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) chatWithDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	answer, err := rt.chat.Answer(r.Context(), userID, r.PathValue("id"), req.Question)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) issueDownload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	token, err := rt.download.IssueDownloadToken(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"url":   "/v1/files/" + token,
	})
}

func (rt *Router) serveFile(w http.ResponseWriter, r *http.Request) {
	rc, filename, err := rt.download.OpenByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(filename, `"`, "")+`"`)
	_, _ = io.Copy(w, rc)
}

func (rt *Router) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var confirmation domain.PaymentConfirmation
	if err := json.NewDecoder(r.Body).Decode(&confirmation); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	outcome, err := rt.reconciler.Reconcile(r.Context(), confirmation)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (rt *Router) getQuota(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User-Id"})
		return
	}

	entry, err := rt.quota.GetEntry(r.Context(), userID)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (rt *Router) writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	if status == http.StatusTooManyRequests && rt.httpMetrics != nil {
		rt.httpMetrics.QuotaDenied("api")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
