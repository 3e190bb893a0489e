package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values: make(map[string]string),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if err, ok := f.errors[req.GetName()]; ok {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	opts = append([]Option{WithMeter(noop.NewMeterProvider().Meter("test")), WithFallbackFile("")}, opts...)
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })
	return fetcher
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	client := newFakeSecretClient()
	resource := "projects/test/secrets/mp-access-token/versions/latest"
	client.values[resource] = "APP_USR-123"

	fetcher := newTestFetcher(t, WithSecretManagerClient(client), WithProject("test"))

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://mp-access-token")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "APP_USR-123" {
			t.Fatalf("expected APP_USR-123, got %s", got)
		}
	}
	if calls := client.callCount(resource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}

	fetcher.Invalidate("secret://mp-access-token")
	if _, err := fetcher.Resolve(context.Background(), "sm://mp-access-token"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if calls := client.callCount(resource); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/other/secrets/stripe-key/versions/4"] = "sk_test_4"

	fetcher := newTestFetcher(t, WithSecretManagerClient(client), WithProject("test"))
	got, err := fetcher.Resolve(context.Background(), "secret://stripe-key?version=4&project=other")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_test_4" {
		t.Fatalf("unexpected value %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerDenies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".secrets.local")
	if err := os.WriteFile(path, []byte("# local\nsecret://mp-access-token=local-token\nwebhook-secret=abc\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}

	client := newFakeSecretClient()
	client.errors["projects/test/secrets/mp-access-token/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher := newTestFetcher(t, WithSecretManagerClient(client), WithProject("test"), WithFallbackFile(path))

	got, err := fetcher.Resolve(context.Background(), "secret://mp-access-token")
	if err != nil || got != "local-token" {
		t.Fatalf("expected fallback local-token, got %q %v", got, err)
	}
	got, err = fetcher.Resolve(context.Background(), "secret://webhook-secret")
	if err != nil || got != "abc" {
		t.Fatalf("expected bare-name fallback abc, got %q %v", got, err)
	}
}

func TestResolvePropagatesNonFallbackErrors(t *testing.T) {
	client := newFakeSecretClient()
	client.errors["projects/test/secrets/x/versions/latest"] = status.Error(codes.InvalidArgument, "bad")

	fetcher := newTestFetcher(t, WithSecretManagerClient(client), WithProject("test"))
	if _, err := fetcher.Resolve(context.Background(), "secret://x"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestResolveWithoutProjectMisses(t *testing.T) {
	fetcher := newTestFetcher(t)
	if _, err := fetcher.Resolve(context.Background(), "secret://anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReferenceRejectsBadInput(t *testing.T) {
	for _, ref := range []string{"", "https://example.com", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
	if !IsReference(" sm://x ") || IsReference("plain") {
		t.Fatalf("IsReference misclassified input")
	}
}

func TestNewFetcherFromEnvUsesFallbackWithoutProject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("mp-access-token=local-token\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}

	fetcher, err := NewFetcherFromEnv(context.Background(), nil, map[string]string{
		"API_SECRETS_FALLBACK_FILE": path,
	})
	if err != nil {
		t.Fatalf("NewFetcherFromEnv returned error: %v", err)
	}
	t.Cleanup(func() { _ = fetcher.Close() })

	if fetcher.client != nil {
		t.Fatalf("expected no secret manager client without a project")
	}
	got, err := fetcher.Resolve(context.Background(), "secret://mp-access-token")
	if err != nil || got != "local-token" {
		t.Fatalf("expected local-token, got %q %v", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
