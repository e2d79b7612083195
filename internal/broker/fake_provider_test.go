package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/tyemirov/tokenvault/internal/ackstate"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"github.com/tyemirov/tokenvault/internal/idp"
	"github.com/tyemirov/tokenvault/internal/tokencrypt"
	"github.com/tyemirov/tokenvault/internal/vault"
	"go.uber.org/zap/zaptest"
)

type fakeProvider struct {
	mutex            sync.Mutex
	introspections   map[string]idp.Introspection
	tokenSets        map[string]idp.TokenSet
	exchangeResults  map[string]idp.TokenSet
	grantErr         error
	revokeErr        error
	revokedSessions  []string
	refreshedInputs  []string
	offlineInputs    []string
	exchangedCodes   []string
	consentArguments [][2]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		introspections:  make(map[string]idp.Introspection),
		tokenSets:       make(map[string]idp.TokenSet),
		exchangeResults: make(map[string]idp.TokenSet),
	}
}

func (provider *fakeProvider) ConsentURL(state string, nonce string) string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.consentArguments = append(provider.consentArguments, [2]string{state, nonce})
	return "https://sso.example.com/auth?state=" + state + "&nonce=" + nonce
}

func (provider *fakeProvider) ExchangeCode(ctx context.Context, code string) (idp.TokenSet, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.exchangedCodes = append(provider.exchangedCodes, code)
	if provider.grantErr != nil {
		return idp.TokenSet{}, provider.grantErr
	}
	return provider.exchangeResults[code], nil
}

func (provider *fakeProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.refreshedInputs = append(provider.refreshedInputs, refreshToken)
	if provider.grantErr != nil {
		return idp.TokenSet{}, provider.grantErr
	}
	return provider.tokenSets[refreshToken], nil
}

func (provider *fakeProvider) RequestOfflineToken(ctx context.Context, offlineToken string) (idp.TokenSet, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.offlineInputs = append(provider.offlineInputs, offlineToken)
	if provider.grantErr != nil {
		return idp.TokenSet{}, provider.grantErr
	}
	return provider.tokenSets[offlineToken], nil
}

func (provider *fakeProvider) Introspect(ctx context.Context, accessToken string) (idp.Introspection, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.introspections[accessToken], nil
}

func (provider *fakeProvider) RevokeSession(ctx context.Context, sessionID string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.revokeErr != nil {
		return provider.revokeErr
	}
	provider.revokedSessions = append(provider.revokedSessions, sessionID)
	return nil
}

func (provider *fakeProvider) revoked() []string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return append([]string(nil), provider.revokedSessions...)
}

type brokerFixture struct {
	broker      *Broker
	provider    *fakeProvider
	vault       *vault.Service
	repository  *vault.MemoryRepository
	stateTokens *ackstate.Service
	metrics     *CounterMetrics
}

func newBrokerFixture(t *testing.T) brokerFixture {
	t.Helper()
	cipher, err := tokencrypt.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	repository := vault.NewMemoryRepository()
	vaultService := vault.NewService(repository, cipher)
	stateTokens, err := ackstate.NewService(ackstate.Config{Secret: []byte("state-secret")})
	if err != nil {
		t.Fatalf("state tokens: %v", err)
	}
	provider := newFakeProvider()
	metrics := NewCounterMetrics()
	broker, err := New(Dependencies{
		Vault:       vaultService,
		Provider:    provider,
		StateTokens: stateTokens,
		Metrics:     metrics,
		Logger:      zaptest.NewLogger(t),
		NewNonce:    func() string { return "fixed-nonce" },
	})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	return brokerFixture{
		broker:      broker,
		provider:    provider,
		vault:       vaultService,
		repository:  repository,
		stateTokens: stateTokens,
		metrics:     metrics,
	}
}

func requireKind(t *testing.T, err error, kind autherr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if autherr.KindOf(err) != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}
