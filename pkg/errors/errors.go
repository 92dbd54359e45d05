/*
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

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// internalErrorMessage is what callers outside the pipeline see when an error
// is not part of the domain taxonomy.
const internalErrorMessage = "An internal error occurred"

// expectedMessageFragments mark error messages that are operator-caused and
// must not be reported to the exception tracker.
var expectedMessageFragments = []string{
	"API key for provider",
}

// BadRequestError signals an event or envelope that failed schema validation.
// It is never retried.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

func NewBadRequest(format string, args ...any) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

// AuthenticationError signals a denied credential or a scope violation.
// It is never retried.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

func NewAuthentication(format string, args ...any) error {
	return &AuthenticationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError signals a referenced entity that does not exist.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func NewNotFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// RateLimitExceededError signals an exhausted rate-limit budget. The
// middleware translates it into a 429 with retry headers.
type RateLimitExceededError struct {
	Message string
}

func (e *RateLimitExceededError) Error() string { return e.Message }

// APIError signals a failure of an upstream model or scoring API. These are
// expected operational errors and bypass exception reporting.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return e.Message }

func NewAPI(format string, args ...any) error {
	return &APIError{Message: fmt.Sprintf(format, args...)}
}

// ConfigError signals an invalid or unknown static configuration, e.g. a
// billing plan without a rate-limit plan group.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

func NewConfig(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func IsBadRequest(err error) bool {
	var target *BadRequestError
	return errors.As(err, &target)
}

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsAPI(err error) bool {
	var target *APIError
	return errors.As(err, &target)
}

// IsDomain returns true if the error belongs to the pipeline's taxonomy, i.e.
// its message is safe to surface to persistent state and API consumers.
func IsDomain(err error) bool {
	var rl *RateLimitExceededError
	var cfg *ConfigError
	return IsBadRequest(err) || IsAuthentication(err) || IsNotFound(err) || IsAPI(err) ||
		errors.As(err, &rl) || errors.As(err, &cfg)
}

// IsRetryable reports whether a per-event processing attempt may be repeated.
// Validation, authentication and missing-reference failures are determinate;
// everything else (DB, network, unknown) is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsBadRequest(err) && !IsAuthentication(err) && !IsNotFound(err)
}

// IsExpected reports whether the error is an anticipated operational failure
// that must not be forwarded to the exception tracker. API errors and
// missing-provider-key errors qualify.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	if IsAPI(err) {
		return true
	}
	msg := err.Error()
	for _, fragment := range expectedMessageFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// StatusCode maps an error onto the per-item HTTP status used in the
// multi-status ingestion response.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusCreated
	case IsBadRequest(err):
		return http.StatusBadRequest
	case IsAuthentication(err):
		return http.StatusUnauthorized
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// DisplayMessage returns the message persisted to user-visible state. Domain
// errors carry their own message; anything else is masked.
func DisplayMessage(err error) string {
	if IsDomain(err) {
		return err.Error()
	}
	return internalErrorMessage
}
