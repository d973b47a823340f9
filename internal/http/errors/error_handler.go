package errors

import (
	"encoding/json"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	log "github.com/sirupsen/logrus"
	"net/http"
)

type ErrorHandler struct {
	endpoint string
}

type jsonError struct {
	ErrorMsg string            `json:"error"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func NewErrorHandler(endpoint string) *ErrorHandler {
	return &ErrorHandler{endpoint}
}

func (eh *ErrorHandler) WriteAndLogError(
	w http.ResponseWriter,
	msg string,
	err error,
	statusCode int,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	logErr := fmt.Errorf("%s: %w", msg, err)
	responseErr := ""
	if statusCode >= 500 {
		log.WithFields(fields).Error(logErr)
		responseErr = msg
	} else {
		log.WithFields(fields).Debug(logErr)
		responseErr = logErr.Error()
	}
	eh.writeErrorMsg(w, jsonError{ErrorMsg: responseErr}, statusCode)
}

func (eh *ErrorHandler) WriteAndLogErrorMsg(
	w http.ResponseWriter,
	msg string,
	statusCode int,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	if statusCode >= 500 {
		log.WithFields(fields).Error(msg)
	} else {
		log.WithFields(fields).Debug(msg)
	}
	eh.writeErrorMsg(w, jsonError{ErrorMsg: msg}, statusCode)
}

func (eh *ErrorHandler) WriteAndLogValidationErrors(
	w http.ResponseWriter,
	err *model.ValidationError,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	log.WithFields(fields).Debug(err)
	eh.writeErrorMsg(w, jsonError{ErrorMsg: err.Error(), Fields: err.Fields}, http.StatusBadRequest)
}

func (eh *ErrorHandler) writeErrorMsg(w http.ResponseWriter, body jsonError, statusCode int) {
	resp, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(resp)
}
