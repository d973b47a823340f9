package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	herrors "github.com/HISP-Uganda/dhis2-alma/internal/http/errors"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/model/sqlquery"
	"github.com/HISP-Uganda/dhis2-alma/internal/progress"
	"github.com/HISP-Uganda/dhis2-alma/internal/scheduler"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"mime"
	"net/http"
	"strconv"
	"time"
)

const DefaultKeepAlive = 15 * time.Second

type scheduleServer struct {
	service     *scheduler.Service
	broadcaster *progress.Broadcaster
	keepAlive   time.Duration
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error forming response data", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(js)
}

var (
	createScheduleErrorHandler = herrors.NewErrorHandler("CreateSchedule")
	listSchedulesErrorHandler  = herrors.NewErrorHandler("ListSchedules")
	getScheduleErrorHandler    = herrors.NewErrorHandler("GetSchedule")
	updateScheduleErrorHandler = herrors.NewErrorHandler("UpdateSchedule")
	deleteScheduleErrorHandler = herrors.NewErrorHandler("DeleteSchedule")
	startScheduleErrorHandler  = herrors.NewErrorHandler("StartSchedule")
	stopScheduleErrorHandler   = herrors.NewErrorHandler("StopSchedule")
	runScheduleErrorHandler    = herrors.NewErrorHandler("RunSchedule")
	executionsErrorHandler     = herrors.NewErrorHandler("ListExecutions")
	progressErrorHandler       = herrors.NewErrorHandler("ScheduleProgress")
)

// statusFor maps service errors to response codes.
func statusFor(err error) int {
	switch {
	case model.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrorAlreadyRunning), errors.Is(err, scheduler.ErrorNotRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrorRunnerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(eh *herrors.ErrorHandler, w http.ResponseWriter, msg string, err error, fields log.Fields) {
	var validationErr *model.ValidationError
	if errors.As(err, &validationErr) {
		eh.WriteAndLogValidationErrors(w, validationErr, fields)
		return
	}
	eh.WriteAndLogError(w, msg, err, statusFor(err), fields)
}

// decodeJSON checks the media type and decodes a strict json body into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(eh *herrors.ErrorHandler, w http.ResponseWriter, req *http.Request, v interface{}) bool {
	contentType := req.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse media type",
			err, http.StatusBadRequest,
			log.Fields{"header": contentType},
		)
		return false
	}
	if mediaType != "application/json" {
		eh.WriteAndLogError(
			w,
			"expect application/json Content-Type",
			errors.New("Content-Type error"),
			http.StatusUnsupportedMediaType,
			log.Fields{"media type": mediaType},
		)
		return false
	}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err = dec.Decode(v); err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse request body",
			err,
			http.StatusBadRequest,
			log.Fields{},
		)
		return false
	}
	return true
}

func scheduleId(req *http.Request) model.ScheduleId {
	return model.ScheduleId(mux.Vars(req)["id"])
}

func storageContext(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), sqlquery.DatabaseOperationTimeout)
}

func (ss *scheduleServer) createScheduleHandler(w http.ResponseWriter, req *http.Request) {
	def := model.ScheduleDefinition{}
	if !decodeJSON(createScheduleErrorHandler, w, req, &def) {
		return
	}

	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.Create(timeoutCtx, def)
	if err != nil {
		writeServiceError(createScheduleErrorHandler, w, "failed to save new schedule", err, log.Fields{"name": def.Name})
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (ss *scheduleServer) listSchedulesHandler(w http.ResponseWriter, req *http.Request) {
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedules, err := ss.service.Schedules(timeoutCtx)
	if err != nil {
		writeServiceError(listSchedulesErrorHandler, w, "failed to list schedules", err, log.Fields{})
		return
	}
	if schedules == nil {
		schedules = []model.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (ss *scheduleServer) getScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.Schedule(timeoutCtx, id)
	if err != nil {
		writeServiceError(getScheduleErrorHandler, w, fmt.Sprintf("failed to get schedule by id %s", id), err, log.Fields{})
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (ss *scheduleServer) updateScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	update := model.ScheduleUpdate{}
	if !decodeJSON(updateScheduleErrorHandler, w, req, &update) {
		return
	}

	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.Update(timeoutCtx, id, update)
	if err != nil {
		writeServiceError(updateScheduleErrorHandler, w, fmt.Sprintf("failed to update schedule %s", id), err, log.Fields{})
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (ss *scheduleServer) deleteScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	if err := ss.service.Delete(timeoutCtx, id); err != nil {
		writeServiceError(deleteScheduleErrorHandler, w, fmt.Sprintf("failed to delete schedule with id %s", id), err, log.Fields{})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ss *scheduleServer) startScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.Start(timeoutCtx, id)
	if err != nil {
		writeServiceError(startScheduleErrorHandler, w, fmt.Sprintf("failed to start schedule %s", id), err, log.Fields{})
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (ss *scheduleServer) stopScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.Stop(timeoutCtx, id)
	if err != nil {
		writeServiceError(stopScheduleErrorHandler, w, fmt.Sprintf("failed to stop schedule %s", id), err, log.Fields{})
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (ss *scheduleServer) runScheduleHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	schedule, err := ss.service.RunNow(timeoutCtx, id)
	if err != nil {
		writeServiceError(runScheduleErrorHandler, w, fmt.Sprintf("failed to run schedule %s", id), err, log.Fields{})
		return
	}
	writeJSON(w, http.StatusAccepted, schedule)
}

func (ss *scheduleServer) executionsHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			executionsErrorHandler.WriteAndLogErrorMsg(w, "limit must be a positive integer", http.StatusBadRequest, log.Fields{"limit": raw})
			return
		}
		limit = parsed
	}

	timeoutCtx, cancel := storageContext(req)
	defer cancel()
	executions, err := ss.service.Executions(timeoutCtx, id, limit)
	if err != nil {
		writeServiceError(executionsErrorHandler, w, fmt.Sprintf("failed to list executions of schedule %s", id), err, log.Fields{})
		return
	}
	if executions == nil {
		executions = []model.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// progressHandler streams progress as text/event-stream. The first record is
// the persisted state, then every live event until the client goes away or
// the broadcaster is closed.
func (ss *scheduleServer) progressHandler(w http.ResponseWriter, req *http.Request) {
	id := scheduleId(req)
	flusher, ok := w.(http.Flusher)
	if !ok {
		progressErrorHandler.WriteAndLogErrorMsg(w, "streaming unsupported", http.StatusInternalServerError, log.Fields{})
		return
	}

	// subscribe before reading so no event between the read and the
	// subscription is lost
	sub := ss.broadcaster.Subscribe(id)
	defer ss.broadcaster.Unsubscribe(sub)

	timeoutCtx, cancel := storageContext(req)
	schedule, err := ss.service.Schedule(timeoutCtx, id)
	cancel()
	if err != nil {
		writeServiceError(progressErrorHandler, w, fmt.Sprintf("failed to get schedule by id %s", id), err, log.Fields{})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err = writeEvent(w, flusher, progress.NewEvent(schedule)); err != nil {
		return
	}

	keepAlive := time.NewTicker(ss.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err = writeEvent(w, flusher, event); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err = w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event progress.Event) error {
	record, err := event.SSE()
	if err != nil {
		log.WithFields(log.Fields{
			"error":      err,
			"scheduleId": event.ScheduleId,
		}).Error("Error encoding progress event")
		return err
	}
	if _, err = w.Write(record); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func healthHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"duration": time.Since(started),
		}).Info("Handled request")
	})
}

func NewRouter(service *scheduler.Service, broadcaster *progress.Broadcaster, keepAlive time.Duration) http.Handler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	server := scheduleServer{service, broadcaster, keepAlive}

	router := mux.NewRouter()
	router.StrictSlash(true)
	router.HandleFunc("/healthz", healthHandler).Methods("GET")

	api := router.PathPrefix("/api/v1/schedules").Subrouter()
	api.HandleFunc("/", server.createScheduleHandler).Methods("POST")
	api.HandleFunc("/", server.listSchedulesHandler).Methods("GET")
	api.HandleFunc("/{id}/", server.getScheduleHandler).Methods("GET")
	api.HandleFunc("/{id}/", server.updateScheduleHandler).Methods("PUT", "PATCH")
	api.HandleFunc("/{id}/", server.deleteScheduleHandler).Methods("DELETE")
	api.HandleFunc("/{id}/start/", server.startScheduleHandler).Methods("POST")
	api.HandleFunc("/{id}/stop/", server.stopScheduleHandler).Methods("POST")
	api.HandleFunc("/{id}/run/", server.runScheduleHandler).Methods("POST")
	api.HandleFunc("/{id}/executions/", server.executionsHandler).Methods("GET")
	api.HandleFunc("/{id}/progress/", server.progressHandler).Methods("GET")
	router.Use(loggingMiddleware)
	return router
}

func NewScheduleServer(
	service *scheduler.Service,
	broadcaster *progress.Broadcaster,
	addr string,
	keepAlive time.Duration,
) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(service, broadcaster, keepAlive),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for idle connections, progress streams never go idle
	server.RegisterOnShutdown(broadcaster.Close)
	return server
}
