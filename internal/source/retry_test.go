package source

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		RetryDelay:          time.Millisecond,
		MaxRateLimitRetries: 2,
		RateLimitBase:       time.Millisecond,
	}
}

func TestRetryPolicy_Unit_TransientRecovers(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return wrapError(CodeTimeout, true, errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicy_Unit_TransientBudgetExhausted(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return wrapError(CodeTimeout, true, errors.New("timeout"))
	})

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeRetryExceeded {
		t.Fatalf("expected %s, got %v", CodeRetryExceeded, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicy_Unit_FatalNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return classify(&HTTPError{StatusCode: 400, Message: "bad parameter"})
	})

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeBadRequest {
		t.Fatalf("expected %s, got %v", CodeBadRequest, err)
	}
	if calls != 1 {
		t.Errorf("fatal error should not be retried, got %d attempts", calls)
	}
}

func TestRetryPolicy_Unit_RateLimitSeparateBudget(t *testing.T) {
	// Two 429s, then two timeouts, then success. Both budgets allow it only
	// because they are tracked independently.
	responses := []string{CodeRateLimited, CodeRateLimited, CodeTimeout, CodeTimeout, ""}
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		code := responses[calls]
		calls++
		if code == "" {
			return nil
		}
		return wrapError(code, true, errors.New(code))
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 attempts, got %d", calls)
	}
}

func TestRetryPolicy_Unit_RateLimitBudgetExhausted(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return wrapError(CodeRateLimited, true, errors.New("429"))
	})

	var coded *Error
	if !errors.As(err, &coded) || coded.Code != CodeRetryExceeded {
		t.Fatalf("expected %s, got %v", CodeRetryExceeded, err)
	}
	// initial attempt + MaxRateLimitRetries
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestClassify_Unit_HTTPStatuses(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{429, CodeRateLimited, true},
		{500, CodeServerError, true},
		{503, CodeServerError, true},
		{400, CodeBadRequest, false},
		{404, CodeBadRequest, false},
		{401, CodeAuthInvalid, false},
		{403, CodeAuthInvalid, false},
	}
	for _, tc := range cases {
		got := classify(&HTTPError{StatusCode: tc.status})
		if got.Code != tc.code || got.Retryable != tc.retryable {
			t.Errorf("status %d: got (%s, %v), want (%s, %v)",
				tc.status, got.Code, got.Retryable, tc.code, tc.retryable)
		}
	}
}
