package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

const resultOffset = 1024

func newClient() *proxy.ClientProxy {
	return proxy.NewClientProxy(nil, zerolog.Nop(), nil)
}

func newRequest() *proxy.ResourceHandlerRequest {
	return &proxy.ResourceHandlerRequest{
		ResourceType:         "Demo::Storage::Bucket",
		DesiredResourceState: json.RawMessage(`{"name":"logs"}`),
	}
}

// returning builds a module whose handle returns result.
func returning(result string) testModule {
	return testModule{
		body: returnAt(resultOffset, len(result)),
		data: map[uint32][]byte{resultOffset: []byte(result)},
	}
}

func setupHandler(t *testing.T, m testModule, opts Options) *Handler {
	t.Helper()
	h, err := New(context.Background(), "test.wasm", m.bytes(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHandler_HandleRequest(t *testing.T) {
	tests := []struct {
		name      string
		module    testModule
		checkFunc func(*testing.T, *proxy.ProgressEvent, error)
	}{
		{
			name:   "success",
			module: returning(`{"event":{"status":"SUCCESS","resourceModel":{"name":"logs","arn":"arn:demo:logs"}}}`),
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent, err error) {
				if err != nil {
					t.Fatalf("HandleRequest() error = %v", err)
				}
				if !e.IsSuccess() || !strings.Contains(string(e.ResourceModel), "arn:demo:logs") {
					t.Errorf("unexpected event %+v", e)
				}
			},
		},
		{
			name:   "in progress",
			module: returning(`{"event":{"status":"IN_PROGRESS","callbackDelaySeconds":30,"callbackContext":{"step":1}}}`),
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent, err error) {
				if err != nil {
					t.Fatalf("HandleRequest() error = %v", err)
				}
				if !e.IsInProgress() || e.CallbackDelaySeconds != 30 || string(e.CallbackContext) != `{"step":1}` {
					t.Errorf("unexpected event %+v", e)
				}
			},
		},
		{
			name:   "classified error",
			module: returning(`{"error":{"code":"AccessDenied","message":"no read permission"}}`),
			checkFunc: func(t *testing.T, _ *proxy.ProgressEvent, err error) {
				code, ok := proxy.CodeOf(err)
				if !ok || code != proxy.ErrorCodeAccessDenied {
					t.Errorf("expected AccessDenied, got %v", err)
				}
			},
		},
		{
			name:   "error without code",
			module: returning(`{"error":{"message":"broken"}}`),
			checkFunc: func(t *testing.T, _ *proxy.ProgressEvent, err error) {
				code, ok := proxy.CodeOf(err)
				if !ok || code != proxy.ErrorCodeInternalFailure {
					t.Errorf("expected InternalFailure, got %v", err)
				}
			},
		},
		{
			name:   "invalid result",
			module: returning(`not json`),
			checkFunc: func(t *testing.T, _ *proxy.ProgressEvent, err error) {
				if err == nil || !strings.Contains(err.Error(), "invalid result") {
					t.Errorf("expected invalid result error, got %v", err)
				}
			},
		},
		{
			name:   "trap",
			module: testModule{body: trapBody},
			checkFunc: func(t *testing.T, _ *proxy.ProgressEvent, err error) {
				if err == nil {
					t.Fatal("expected error from trapping module")
				}
				if _, ok := proxy.CodeOf(err); ok {
					t.Errorf("expected unclassified error, got %v", err)
				}
			},
		},
		{
			name:   "empty result",
			module: testModule{body: returnAt(resultOffset, 0)},
			checkFunc: func(t *testing.T, _ *proxy.ProgressEvent, err error) {
				if err == nil || !strings.Contains(err.Error(), "empty result") {
					t.Errorf("expected empty result error, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHandler(t, tt.module, Options{})
			event, err := h.HandleRequest(context.Background(), newClient(), newRequest(), proxy.ActionCreate, nil)
			tt.checkFunc(t, event, err)
		})
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := setupHandler(t, testModule{body: spinBody}, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := h.HandleRequest(context.Background(), newClient(), newRequest(), proxy.ActionCreate, nil)
	if code, ok := proxy.CodeOf(err); !ok || code != proxy.ErrorCodeNotStabilized {
		t.Fatalf("expected NotStabilized, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cycle was not interrupted, took %v", elapsed)
	}
}

func TestHandler_RemainingBudgetBoundsCycle(t *testing.T) {
	h := setupHandler(t, testModule{body: spinBody}, Options{Timeout: time.Hour})
	client := proxy.NewClientProxy(nil, zerolog.Nop(), func() time.Duration { return 50 * time.Millisecond })

	_, err := h.HandleRequest(context.Background(), client, newRequest(), proxy.ActionUpdate, nil)
	if code, ok := proxy.CodeOf(err); !ok || code != proxy.ErrorCodeNotStabilized {
		t.Fatalf("expected NotStabilized, got %v", err)
	}
}

func TestHandler_Log(t *testing.T) {
	const msg = "creating bucket"
	result := `{"event":{"status":"SUCCESS"}}`
	h := setupHandler(t, testModule{
		importLog: true,
		body:      logThenReturn(2, 512, len(msg), resultOffset, len(result)),
		data: map[uint32][]byte{
			512:          []byte(msg),
			resultOffset: []byte(result),
		},
	}, Options{})

	var buf bytes.Buffer
	client := proxy.NewClientProxy(nil, zerolog.New(&buf), nil)
	if _, err := h.HandleRequest(context.Background(), client, newRequest(), proxy.ActionCreate, nil); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	var line struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Module  string `json:"module"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	if line.Level != "warn" || line.Message != msg || line.Module != "test.wasm" {
		t.Errorf("unexpected log line %+v", line)
	}
}

func TestBridge_PassesInvocation(t *testing.T) {
	h := setupHandler(t, testModule{body: echoBody}, Options{})

	ctx := context.Background()
	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		t.Fatalf("InstantiateModule() error = %v", err)
	}
	defer mod.Close(ctx)

	b, err := newBridge(mod)
	if err != nil {
		t.Fatalf("newBridge() error = %v", err)
	}

	input, _ := json.Marshal(&Invocation{
		Action:          proxy.ActionDelete,
		Timeout:         30,
		Request:         newRequest(),
		CallbackContext: json.RawMessage(`{"step":2}`),
	})
	output, err := b.call(ctx, input)
	if err != nil {
		t.Fatalf("call() error = %v", err)
	}
	if !bytes.Equal(output, input) {
		t.Errorf("module saw %s, want %s", output, input)
	}

	var got Invocation
	if err := json.Unmarshal(output, &got); err != nil {
		t.Fatalf("failed to decode invocation: %v", err)
	}
	if got.Action != proxy.ActionDelete || string(got.CallbackContext) != `{"step":2}` || got.Request.ResourceType != "Demo::Storage::Bucket" {
		t.Errorf("unexpected invocation %+v", got)
	}
}

func TestNew_RejectsModules(t *testing.T) {
	tests := []struct {
		name    string
		module  []byte
		wantErr string
	}{
		{"not wasm", []byte("not a module"), "failed to compile"},
		{"missing handle", testModule{handleName: "run", body: returnAt(resultOffset, 0)}.bytes(), "does not export handle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), "bad.wasm", tt.module, Options{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bucket.wasm")
	if err := os.WriteFile(path, returning(`{"event":{"status":"SUCCESS"}}`).bytes(), 0o644); err != nil {
		t.Fatalf("failed to write module: %v", err)
	}

	h, err := Load(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer h.Close(context.Background())
	if h.name != "bucket.wasm" {
		t.Errorf("name = %s, want bucket.wasm", h.name)
	}

	if _, err := Load(context.Background(), filepath.Join(dir, "missing.wasm"), Options{}); err == nil {
		t.Error("expected error for missing module")
	}
}

func TestUnpack(t *testing.T) {
	ptr, length := unpack(uint64(1024)<<32 | 17)
	if ptr != 1024 || length != 17 {
		t.Errorf("unpack() = %d, %d", ptr, length)
	}
}
