package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestErrorFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		message   string
		wantType  string
		retryable bool
	}{
		{400, "bad request", "InvalidRequestError", false},
		{400, "context length exceeded", "ContextLengthError", false},
		{400, "quota exhausted", "QuotaExceededError", false},
		{401, "", "AuthenticationError", false},
		{403, "", "AccessDeniedError", false},
		{404, "", "NotFoundError", false},
		{408, "", "RequestTimeoutError", true},
		{413, "", "ContextLengthError", false},
		{429, "", "RateLimitError", true},
		{500, "", "ServerError", true},
		{503, "", "ServerError", true},
		{418, "", "UnknownHTTPError", true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("prov", tc.status, tc.message, nil)
		le, ok := err.(Error)
		if !ok {
			t.Fatalf("status %d: %T does not implement Error", tc.status, err)
		}
		if le.Retryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, le.Retryable(), tc.retryable)
		}
		if le.StatusCode() != tc.status {
			t.Errorf("status %d: StatusCode = %d", tc.status, le.StatusCode())
		}
		var match bool
		switch tc.wantType {
		case "InvalidRequestError":
			var e *InvalidRequestError
			match = errors.As(err, &e)
		case "ContextLengthError":
			var e *ContextLengthError
			match = errors.As(err, &e)
		case "QuotaExceededError":
			var e *QuotaExceededError
			match = errors.As(err, &e)
		case "AuthenticationError":
			var e *AuthenticationError
			match = errors.As(err, &e)
		case "AccessDeniedError":
			var e *AccessDeniedError
			match = errors.As(err, &e)
		case "NotFoundError":
			var e *NotFoundError
			match = errors.As(err, &e)
		case "RequestTimeoutError":
			var e *RequestTimeoutError
			match = errors.As(err, &e)
		case "RateLimitError":
			var e *RateLimitError
			match = errors.As(err, &e)
		case "ServerError":
			var e *ServerError
			match = errors.As(err, &e)
		case "UnknownHTTPError":
			var e *UnknownHTTPError
			match = errors.As(err, &e)
		}
		if !match {
			t.Errorf("status %d (%q): got %T, want %s", tc.status, tc.message, err, tc.wantType)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if d := ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("seconds form: %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty: %v", d)
	}
	if d := ParseRetryAfter("garbage", now); d != nil {
		t.Fatalf("garbage: %v", d)
	}
	httpDate := now.Add(90 * time.Second).Format(http.TimeFormat)
	if d := ParseRetryAfter(httpDate, now); d == nil || *d != 90*time.Second {
		t.Fatalf("http-date form: %v", d)
	}
}
