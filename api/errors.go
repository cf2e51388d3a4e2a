/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// statusFor maps domain errors onto HTTP statuses. Sentinel errors win over
// the APIError code so wrapped ledger and lifecycle errors keep their meaning.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrKindUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrRetryNotAllowed), errors.Is(err, model.ErrCancelNotAllowed):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvariantViolation):
		return http.StatusInternalServerError
	}
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apierror.MapErrorToHTTPStatus(apiErr)
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		trace.SpanFromContext(c.Request.Context()).RecordError(err)
		logrus.WithField("path", c.FullPath()).Error(err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}

	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
