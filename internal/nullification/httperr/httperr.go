// Package httperr maps nullification errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"nullifier/internal/nullification/models"
	"nullifier/pkg/platform/httputil"
)

const (
	CodeAccumulatorUnavailable httputil.Code = "accumulator_unavailable"
	CodeVerificationFailed     httputil.Code = "verification_failed"
	CodeSyncFailed             httputil.Code = "sync_failed"
)

// Translate turns typed nullification errors into httputil errors. Anything else,
// including sentinel errors, is returned unchanged for httputil to classify.
func Translate(err error) error {
	var httpErr *httputil.Error
	if err == nil || errors.As(err, &httpErr) {
		return err
	}
	if errors.Is(err, models.ErrAccumulatorUnavailable) {
		return httputil.NewWithStatus(http.StatusConflict, CodeAccumulatorUnavailable, err.Error())
	}
	switch models.KindOf(err) {
	case models.KindMapping, models.KindInvalidParameter:
		return httputil.New(httputil.CodeBadRequest, err.Error())
	case models.KindVerification:
		return httputil.NewWithStatus(http.StatusBadGateway, CodeVerificationFailed, err.Error())
	case models.KindSync:
		return httputil.NewWithStatus(http.StatusServiceUnavailable, CodeSyncFailed, err.Error())
	}
	return err
}

// Write writes err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	httputil.WriteError(w, Translate(err))
}
