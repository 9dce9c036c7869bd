// Package ingress is the HTTP surface of the fabric: it admits analysis
// submissions, persists the task record, enqueues the taskId, and answers
// 202 before any heavy work starts.
//
// Admission ordering is fixed: validate, then Create (the uniqueness gate),
// then Push. A Push failure rolls the record (and any uploaded file) back so
// the client can retry the same taskId immediately.
package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odontiq/odontiq/admission"
	"github.com/odontiq/odontiq/observability"
	"github.com/odontiq/odontiq/task"
	"github.com/odontiq/odontiq/taskqueue"
	"github.com/odontiq/odontiq/taskstore"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// file parts spill to disk.
const maxMultipartMemory = 8 << 20

// Options configures the Server.
type Options struct {
	// UploadDir receives multipart image bodies, one file per task.
	UploadDir string
	// MaxUploadBytes caps a multipart body. Default: 50 MiB.
	MaxUploadBytes int64
	// Events records lifecycle events; optional.
	Events *observability.EventLogger
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 50 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server handles analysis submissions.
type Server struct {
	store     *taskstore.Store
	queue     *taskqueue.Queue
	validator *admission.Validator
	opts      Options
}

// New wires a Server.
func New(store *taskstore.Store, queue *taskqueue.Queue, validator *admission.Validator, opts Options) *Server {
	opts.defaults()
	return &Server{store: store, queue: queue, validator: validator, opts: opts}
}

// Router builds the chi router for the server.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/health", s.handleHealth)
	})
	return r
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "odontiq",
		"endpoints": []string{"POST /api/v1/analyze", "GET /api/v1/health"},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if n, err := s.store.Count(r.Context()); err == nil {
		body["tasks"] = n
	}
	if n, err := s.queue.Len(r.Context()); err == nil {
		body["queued"] = n
	}
	writeJSON(w, http.StatusOK, body)
}

// handleAnalyze admits a task from either a JSON body or a multipart form.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, task.Errorf(task.KindValidationFailure, "unreadable Content-Type: %v", err))
		return
	}

	var rec *task.Record
	var pending string // temp upload awaiting promotion to rec.ImagePath
	var terr *task.Error
	switch ct {
	case "application/json":
		rec, terr = s.admitJSON(r)
	case "multipart/form-data":
		rec, pending, terr = s.admitMultipart(r)
	default:
		terr = task.Errorf(task.KindUnsupportedMedia,
			"Content-Type %q is not supported (use application/json or multipart/form-data)", ct)
	}
	if terr != nil {
		writeError(w, terr)
		return
	}

	if err := s.store.Create(r.Context(), rec); err != nil {
		// Only the temp file belongs to this request. The stable path, if it
		// exists, is the live task's image and must survive a rejected
		// duplicate.
		s.discardPending(pending)
		if errors.Is(err, taskstore.ErrExists) {
			writeError(w, task.Errorf(task.KindDuplicateTaskID, "task %s already exists", rec.TaskID))
			return
		}
		s.opts.Logger.Error("ingress: record create failed", "task_id", rec.TaskID, "error", err)
		writeError(w, task.Errorf(task.KindStoreUnavailable, "task store unavailable"))
		return
	}

	// The record is admitted; promote the upload to the path it was stored
	// under. A rename failure rolls the admission back.
	if pending != "" {
		if err := os.Rename(pending, rec.ImagePath); err != nil {
			s.opts.Logger.Error("ingress: upload promote failed", "task_id", rec.TaskID, "error", err)
			if _, derr := s.store.Delete(r.Context(), rec.TaskID); derr != nil {
				s.opts.Logger.Error("ingress: rollback delete failed", "task_id", rec.TaskID, "error", derr)
			}
			s.discardPending(pending)
			writeError(w, task.Errorf(task.KindStoreUnavailable, "upload storage unavailable"))
			return
		}
	}

	if err := s.queue.Push(r.Context(), rec.TaskID); err != nil {
		// The record must not outlive a failed enqueue: a live record with no
		// queue entry would block the taskId until TTL for no reason.
		if _, derr := s.store.Delete(r.Context(), rec.TaskID); derr != nil {
			s.opts.Logger.Error("ingress: rollback delete failed", "task_id", rec.TaskID, "error", derr)
		}
		s.removeUpload(rec)
		s.opts.Logger.Error("ingress: enqueue failed", "task_id", rec.TaskID, "error", err)
		writeError(w, task.Errorf(task.KindQueueUnavailable, "task queue unavailable"))
		return
	}

	if s.opts.Events != nil {
		s.opts.Events.LogTaskEvent(r.Context(), observability.TaskEvent{
			TaskID:   rec.TaskID,
			TaskType: string(rec.TaskType),
			Event:    observability.EventAdmitted,
		})
	}

	s.opts.Logger.Info("ingress: task admitted",
		"task_id", rec.TaskID, "task_type", rec.TaskType, "upload", rec.ImagePath != "")

	resp := map[string]any{
		"taskId":      rec.TaskID,
		"status":      "QUEUED",
		"submittedAt": rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(rec.Metadata) > 0 {
		resp["metadata"] = json.RawMessage(rec.Metadata)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// admitJSON validates a JSON submission and builds its record.
func (s *Server) admitJSON(r *http.Request) (*task.Record, *task.Error) {
	var req admission.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		return nil, task.Errorf(task.KindValidationFailure, "unreadable JSON body: %v", err)
	}
	if e := s.validator.ValidateJSON(&req); e != nil {
		return nil, e
	}
	return recordFromRequest(&req), nil
}

// admitMultipart validates a multipart submission and spools the uploaded
// image to a temp file under UploadDir. The returned record's ImagePath is
// the stable destination `<UploadDir>/<taskId><ext>`; the caller renames the
// temp file there only once the admission gate has accepted the task, so a
// rejected duplicate can never touch the live task's image.
func (s *Server) admitMultipart(r *http.Request) (*task.Record, string, *task.Error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, "", task.Errorf(task.KindValidationFailure, "unreadable multipart body: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	req := admission.Request{
		TaskID:      r.FormValue("taskId"),
		TaskType:    r.FormValue("taskType"),
		CallbackURL: r.FormValue("callbackUrl"),
	}
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, "", task.Errorf(task.KindValidationFailure, "metadata is not valid JSON")
		}
		req.Metadata = json.RawMessage(raw)
	}
	if raw := strings.TrimSpace(r.FormValue("patientInfo")); raw != "" {
		var pi task.PatientInfo
		if err := json.Unmarshal([]byte(raw), &pi); err != nil {
			return nil, "", task.Errorf(task.KindValidationFailure, "unreadable patientInfo: %v", err)
		}
		req.PatientInfo = &pi
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", task.Errorf(task.KindValidationFailure, "image file is required")
	}
	defer file.Close()

	if e := s.validator.ValidateMultipart(&req, header.Filename); e != nil {
		return nil, "", e
	}

	rec := recordFromRequest(&req)
	ext := strings.ToLower(filepath.Ext(header.Filename))
	rec.ImagePath = filepath.Join(s.opts.UploadDir, rec.TaskID+ext)

	pending, e := s.spoolUpload(file, ext)
	if e != nil {
		return nil, "", e
	}
	return rec, pending, nil
}

// spoolUpload writes src to a fresh temp file in UploadDir and returns its
// path. Same filesystem as the stable destination, so the later rename is
// atomic.
func (s *Server) spoolUpload(src io.Reader, ext string) (string, *task.Error) {
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		s.opts.Logger.Error("ingress: upload dir create failed", "dir", s.opts.UploadDir, "error", err)
		return "", task.Errorf(task.KindStoreUnavailable, "upload storage unavailable")
	}
	out, err := os.CreateTemp(s.opts.UploadDir, ".upload-*"+ext)
	if err != nil {
		s.opts.Logger.Error("ingress: upload spool failed", "error", err)
		return "", task.Errorf(task.KindStoreUnavailable, "upload storage unavailable")
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		s.opts.Logger.Error("ingress: upload write failed", "path", out.Name(), "error", err)
		return "", task.Errorf(task.KindStoreUnavailable, "upload storage unavailable")
	}
	return out.Name(), nil
}

// discardPending deletes a spooled upload that was never promoted.
func (s *Server) discardPending(pending string) {
	if pending == "" {
		return
	}
	if err := os.Remove(pending); err != nil && !os.IsNotExist(err) {
		s.opts.Logger.Warn("ingress: pending upload cleanup failed", "path", pending, "error", err)
	}
}

// removeUpload deletes a multipart upload that will never be processed.
func (s *Server) removeUpload(rec *task.Record) {
	if rec.ImagePath == "" {
		return
	}
	if err := os.Remove(rec.ImagePath); err != nil && !os.IsNotExist(err) {
		s.opts.Logger.Warn("ingress: upload cleanup failed", "path", rec.ImagePath, "error", err)
	}
}

func recordFromRequest(req *admission.Request) *task.Record {
	return &task.Record{
		TaskID:      req.TaskID,
		TaskType:    task.Type(req.TaskType),
		ImageURL:    req.ImageURL,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
		PatientInfo: req.PatientInfo,
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ingress: response write failed", "error", err)
	}
}

// writeError maps a classified error to its HTTP status and wire triple.
func writeError(w http.ResponseWriter, e *task.Error) {
	writeJSON(w, httpStatus(e.Kind), map[string]any{"error": e.Envelope()})
}

func httpStatus(kind task.Kind) int {
	switch kind {
	case task.KindValidationFailure, task.KindUnsupportedMedia:
		return http.StatusBadRequest
	case task.KindDuplicateTaskID:
		return http.StatusConflict
	case task.KindStoreUnavailable, task.KindQueueUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
