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

	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Kind classifies an error so that transport layers and retry policies can act
// on it without inspecting messages. The zero Kind is KindInternal.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation - request or configuration malformed; reported, never retried.
	KindValidation
	// KindAuth - token invalid or agent/token mismatch; caller must re-register.
	KindAuth
	// KindNotFound - unknown entity (agent, replica, command, pool).
	KindNotFound
	// KindConflict - illegal state transition.
	KindConflict
	// KindTransientUpstream - cloud API, metadata, DB or KV fault; retriable.
	KindTransientUpstream
	// KindDataGap - required pricing/advisor data missing; pipeline degrades.
	KindDataGap
	// KindSafetyAbort - all candidates filtered; decision falls back to STAY.
	KindSafetyAbort
	// KindExecutionFailure - actuator step failed; verdict stands, command fails.
	KindExecutionFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindTransientUpstream:
		return "transient upstream"
	case KindDataGap:
		return "data gap"
	case KindSafetyAbort:
		return "safety abort"
	case KindExecutionFailure:
		return "execution failure"
	default:
		return "internal"
	}
}

// Error wraps a cause with a Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

func newKind(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newKind(KindValidation, format, args...)
}

func Auth(format string, args ...interface{}) error {
	return newKind(KindAuth, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newKind(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newKind(KindConflict, format, args...)
}

func TransientUpstream(format string, args ...interface{}) error {
	return newKind(KindTransientUpstream, format, args...)
}

func DataGap(format string, args ...interface{}) error {
	return newKind(KindDataGap, format, args...)
}

func SafetyAbort(format string, args ...interface{}) error {
	return newKind(KindSafetyAbort, format, args...)
}

func ExecutionFailure(format string, args ...interface{}) error {
	return newKind(KindExecutionFailure, format, args...)
}

// WithKind attaches a kind to an existing error, preserving the chain.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf returns the kind of err, unwrapping as needed. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

func IsValidation(err error) bool        { return is(err, KindValidation) }
func IsAuth(err error) bool              { return is(err, KindAuth) }
func IsNotFound(err error) bool          { return is(err, KindNotFound) }
func IsConflict(err error) bool          { return is(err, KindConflict) }
func IsDataGap(err error) bool           { return is(err, KindDataGap) }
func IsSafetyAbort(err error) bool       { return is(err, KindSafetyAbort) }
func IsExecutionFailure(err error) bool  { return is(err, KindExecutionFailure) }
func IsTransientUpstream(err error) bool { return is(err, KindTransientUpstream) }

// HTTPStatus maps an error kind to the response code contract of the
// agent/server protocol: 4xx terminal for the call, 5xx retriable.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindSafetyAbort:
		return http.StatusConflict
	case KindTransientUpstream, KindDataGap:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	// This is not an exhaustive list, add to it as needed
	notFoundAWSCodes = sets.NewString(
		"InvalidInstanceID.NotFound",
		"InvalidInstanceID.Malformed",
		"AWS.SimpleQueueService.NonExistentQueue",
	)
	// unfulfillableCapacityAWSCodes signify that capacity is temporarily unable to be launched
	unfulfillableCapacityAWSCodes = sets.NewString(
		"InsufficientInstanceCapacity",
		"MaxSpotInstanceCountExceeded",
		"VcpuLimitExceeded",
		"UnfulfillableCapacity",
		"SpotMaxPriceTooLow",
	)
	throttlingAWSCodes = sets.NewString(
		"RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"ServiceUnavailable",
	)
)

// IsAWSNotFound returns true if the err is an AWS error (even if it's wrapped)
// known to mean "not found" (as opposed to a more serious or unexpected error).
func IsAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundAWSCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsUnfulfillableCapacity returns true if the error means spot capacity is
// temporarily unavailable in the requested pool.
func IsUnfulfillableCapacity(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return unfulfillableCapacityAWSCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsAWSTransient returns true for AWS faults worth retrying: throttles and
// server-side errors. Capacity errors are not transient at the same pool.
func IsAWSTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttlingAWSCodes.Has(apiErr.ErrorCode()) {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return false
}
