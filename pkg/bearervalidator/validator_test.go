package bearervalidator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fixedClock struct {
	current time.Time
}

func (clock *fixedClock) Now() time.Time {
	return clock.current
}

type vaultStub struct {
	calls  atomic.Int32
	server *httptest.Server
}

// newVaultStub answers validate-token like the vault does: "good" is active, "down"
// fails upstream, anything else is inactive.
func newVaultStub(t *testing.T) *vaultStub {
	t.Helper()
	stub := &vaultStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		stub.calls.Add(1)
		if request.URL.Path != validatePath {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		switch request.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = writer.Write([]byte(`{"data":{"valid":true}}`))
		case "Bearer down":
			writer.WriteHeader(http.StatusBadGateway)
			_, _ = writer.Write([]byte(`{"error":"Identity provider error","code":"idp_error"}`))
		default:
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":"Token is not active","code":"token_not_active"}`))
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func TestNewValidatorRequiresBaseURL(t *testing.T) {
	t.Parallel()

	for _, baseURL := range []string{"", "   ", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: baseURL}); !errors.Is(err, ErrMissingBaseURL) {
			t.Fatalf("expected missing base url error for %q, got %v", baseURL, err)
		}
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{BaseURL: "https://vault.example.com/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.endpoint != "https://vault.example.com/v1/validate-token" {
		t.Fatalf("unexpected endpoint %s", validator.endpoint)
	}
	if validator.clock == nil || validator.httpClient == nil {
		t.Fatalf("expected default clock and http client to be set")
	}
}

func TestValidateTokenOutcomes(t *testing.T) {
	t.Parallel()
	stub := newVaultStub(t)
	validator, err := New(Config{BaseURL: stub.server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testCases := []struct {
		token string
		want  error
	}{
		{token: "good", want: nil},
		{token: "revoked", want: ErrTokenRejected},
		{token: "down", want: ErrUnavailable},
		{token: " ", want: ErrMissingToken},
	}
	for _, testCase := range testCases {
		err := validator.ValidateToken(context.Background(), testCase.token)
		if testCase.want == nil && err != nil {
			t.Fatalf("expected %q to validate, got %v", testCase.token, err)
		}
		if testCase.want != nil && !errors.Is(err, testCase.want) {
			t.Fatalf("expected %v for %q, got %v", testCase.want, testCase.token, err)
		}
	}
}

func TestValidateTokenCachesPositiveAnswers(t *testing.T) {
	t.Parallel()
	stub := newVaultStub(t)
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	validator, err := New(Config{BaseURL: stub.server.URL, CacheTTL: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for range 3 {
		if err := validator.ValidateToken(context.Background(), "good"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls := stub.calls.Load(); calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls)
	}

	clock.current = clock.current.Add(2 * time.Minute)
	if err := validator.ValidateToken(context.Background(), "good"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := stub.calls.Load(); calls != 2 {
		t.Fatalf("expected the expired cache entry to be refreshed, got %d calls", calls)
	}

	for range 2 {
		_ = validator.ValidateToken(context.Background(), "revoked")
	}
	if calls := stub.calls.Load(); calls != 4 {
		t.Fatalf("rejections must not be cached, got %d calls", calls)
	}
}

func TestValidateRequestRequiresBearerScheme(t *testing.T) {
	t.Parallel()
	validator, err := New(Config{BaseURL: "https://vault.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	request.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrInvalidScheme) {
		t.Fatalf("expected invalid scheme error, got %v", err)
	}
	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error for nil request, got %v", err)
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := newVaultStub(t)
	validator, err := New(Config{BaseURL: stub.server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(validator.GinMiddleware(""))
	router.GET("/protected", func(contextGin *gin.Context) {
		token, _ := contextGin.Get(DefaultContextKey)
		contextGin.String(http.StatusOK, token.(string))
	})

	testCases := []struct {
		header     string
		wantStatus int
	}{
		{header: "Bearer good", wantStatus: http.StatusOK},
		{header: "Bearer revoked", wantStatus: http.StatusUnauthorized},
		{header: "Bearer down", wantStatus: http.StatusServiceUnavailable},
		{header: "", wantStatus: http.StatusUnauthorized},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.wantStatus {
			t.Fatalf("header %q: expected %d, got %d", testCase.header, testCase.wantStatus, recorder.Code)
		}
		if testCase.wantStatus == http.StatusOK && recorder.Body.String() != "good" {
			t.Fatalf("expected token in context, got %q", recorder.Body.String())
		}
	}
}

func TestValidateTokenSharedCallSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		arrived <- struct{}{}
		<-release
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"data":{"valid":true}}`))
	}))
	t.Cleanup(server.Close)

	validator, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	impatientCtx, cancel := context.WithCancel(context.Background())
	impatientResult := make(chan error, 1)
	go func() {
		impatientResult <- validator.ValidateToken(impatientCtx, "slow")
	}()
	<-arrived
	cancel()
	if err := <-impatientResult; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to see its own cancellation, got %v", err)
	}

	patientResult := make(chan error, 1)
	go func() {
		patientResult <- validator.ValidateToken(context.Background(), "slow")
	}()
	// give the second caller time to join the call that is still blocked upstream
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-patientResult:
		if err != nil {
			t.Fatalf("expected the waiting caller to be validated, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiting caller never returned")
	}
	if got := calls.Load(); got > 2 {
		t.Fatalf("unexpected upstream calls %d", got)
	}
}
