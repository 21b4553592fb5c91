package handlers

import (
	"errors"
	"net/http"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CodeUnauthenticated is the transport-level code for a missing or invalid session.
const CodeUnauthenticated accounting.Code = "Unauthenticated"

// errorBody is the error envelope shared by every platform endpoint.
type errorBody struct {
	Error   string          `json:"error"`             // Message, printed verbatim.
	Code    accounting.Code `json:"code"`              // Failure class.
	Details any             `json:"details,omitempty"` // Optional structured context.
}

// StatusFor maps an accounting code to its HTTP status.
func StatusFor(code accounting.Code) int {
	switch code {
	case accounting.CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case accounting.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case accounting.CodeForbidden:
		return http.StatusForbidden
	case accounting.CodeNotFound:
		return http.StatusNotFound
	case accounting.CodeConflict:
		return http.StatusConflict
	case accounting.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, status int, payload any) {
	c.JSON(status, gin.H{"response": payload})
}

// Abort writes an error envelope and stops the handler chain.
func Abort(c *gin.Context, code accounting.Code, message string) {
	c.AbortWithStatusJSON(StatusFor(code), errorBody{Error: message, Code: code})
}

func badRequest(c *gin.Context, message string) {
	Abort(c, accounting.CodeInvalidArgument, message)
}

// fail renders err as an error envelope. Internal failures are logged and masked.
func fail(c *gin.Context, err error) {
	var accErr *accounting.Error
	if !errors.As(err, &accErr) {
		accErr = &accounting.Error{Code: accounting.CodeOf(err), Message: err.Error(), Err: err}
	}
	body := errorBody{Error: accErr.Message, Code: accErr.Code, Details: accErr.Details}
	if accErr.Code == accounting.CodeInternal {
		log.WithError(err).WithFields(log.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString(ContextRequestID),
		}).Error("platform request failed")
		body.Error = "internal error"
		body.Details = nil
	}
	c.AbortWithStatusJSON(StatusFor(accErr.Code), body)
}
