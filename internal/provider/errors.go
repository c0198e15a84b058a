package provider

import (
	"fmt"
	"net/http"
)

// Class is the normalized outcome of a provider call.
type Class string

const (
	ClassOK             Class = "ok"
	ClassUnauthorized   Class = "unauthorized"
	ClassRateLimited    Class = "rate_limited"
	ClassForbidden      Class = "forbidden"
	ClassBadRequest     Class = "bad_request"
	ClassNotFound       Class = "not_found"
	ClassServerError    Class = "server_error"
	ClassUnavailable    Class = "unavailable"
	ClassGatewayTimeout Class = "gateway_timeout"
)

var codeClasses = map[int]Class{
	0: ClassOK,

	1000: ClassUnauthorized, // authentication failed
	1001: ClassUnauthorized, // authorization empty
	1002: ClassUnauthorized, // authorization invalid
	1003: ClassUnauthorized, // authorization not yet valid
	1004: ClassUnauthorized, // authorization expired

	1100: ClassRateLimited, // account exception
	1101: ClassRateLimited, // account in arrears
	1102: ClassRateLimited, // resource pack exhausted
	1103: ClassForbidden,   // unauthorized access to resource

	1200: ClassBadRequest, // invalid request parameters
	1201: ClassBadRequest, // invalid parameters
	1202: ClassNotFound,   // invalid request method
	1203: ClassNotFound,   // resource does not exist

	1300: ClassBadRequest,  // platform policy triggered
	1301: ClassBadRequest,  // content security policy triggered
	1302: ClassRateLimited, // request rate exceeded
	1303: ClassRateLimited, // concurrency or qps exceeded
	1304: ClassRateLimited, // ip whitelist policy

	5000: ClassServerError,
	5001: ClassUnavailable,
	5002: ClassGatewayTimeout,
}

// Translate maps a provider response code to its class. Unknown codes are
// ServerError.
func Translate(code int) Class {
	if class, ok := codeClasses[code]; ok {
		return class
	}
	return ClassServerError
}

// ClassFromHTTPStatus is used when a response carries no provider code.
func ClassFromHTTPStatus(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassOK
	case status == http.StatusUnauthorized:
		return ClassUnauthorized
	case status == http.StatusForbidden:
		return ClassForbidden
	case status == http.StatusNotFound:
		return ClassNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ClassBadRequest
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusServiceUnavailable:
		return ClassUnavailable
	case status == http.StatusGatewayTimeout:
		return ClassGatewayTimeout
	default:
		return ClassServerError
	}
}

// HTTPStatus is the status reported to our own callers for the class.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassOK:
		return http.StatusOK
	case ClassUnauthorized:
		return http.StatusUnauthorized
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassForbidden:
		return http.StatusForbidden
	case ClassBadRequest:
		return http.StatusBadRequest
	case ClassNotFound:
		return http.StatusNotFound
	case ClassUnavailable:
		return http.StatusServiceUnavailable
	case ClassGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Refreshable reports whether a token refresh and one retry may fix the call.
func (c Class) Refreshable() bool {
	return c == ClassUnauthorized
}

// ClassifiedError is a provider rejection. Code and Message are kept as the
// provider sent them.
type ClassifiedError struct {
	Class      Class
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ClassifiedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: %s (code %d, http %d)", e.Class, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("provider: %s (code %d, http %d): %s", e.Class, e.Code, e.HTTPStatus, e.Message)
}

// TaskFailedError reports a task the provider itself marked failed.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("provider: task %s failed: %s", e.TaskID, e.Message)
}
