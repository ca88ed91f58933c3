package script

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

const bucketScript = `
def handle(request, action, callback_context):
    model = request.get("desiredResourceState") or {}
    if action == "CREATE":
        if callback_context == None:
            return in_progress(callback_context = {"step": 1}, delay = 5, model = model)
        model["arn"] = prefix + model["name"]
        return success(model)
    if action == "DELETE":
        return failed("NotFound", "bucket " + model.get("name", "") + " does not exist")
    if action == "READ":
        fail_with("AccessDenied", "no read permission")
    return success()
`

func newClient() *proxy.ClientProxy {
	return proxy.NewClientProxy(nil, zerolog.Nop(), nil)
}

func newRequest(t *testing.T, model string) *proxy.ResourceHandlerRequest {
	t.Helper()
	return &proxy.ResourceHandlerRequest{
		ResourceType:         "Demo::Storage::Bucket",
		DesiredResourceState: json.RawMessage(model),
	}
}

func TestHandler_HandleRequest(t *testing.T) {
	h, err := New("bucket.star", bucketScript, Options{
		Globals: map[string]interface{}{"prefix": "arn:demo:"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		action    proxy.Action
		cbctx     string
		checkFunc func(*testing.T, *proxy.ProgressEvent)
	}{
		{
			name:   "first create cycle",
			action: proxy.ActionCreate,
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent) {
				if e.Status != proxy.OperationStatusInProgress {
					t.Errorf("status = %s, want IN_PROGRESS", e.Status)
				}
				if e.CallbackDelaySeconds != 5 {
					t.Errorf("delay = %d, want 5", e.CallbackDelaySeconds)
				}
				if string(e.CallbackContext) != `{"step":1}` {
					t.Errorf("callback context = %s", e.CallbackContext)
				}
			},
		},
		{
			name:   "resumed create cycle",
			action: proxy.ActionCreate,
			cbctx:  `{"step":1}`,
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent) {
				if e.Status != proxy.OperationStatusSuccess {
					t.Fatalf("status = %s, want SUCCESS", e.Status)
				}
				var model map[string]string
				if err := json.Unmarshal(e.ResourceModel, &model); err != nil {
					t.Fatalf("model: %v", err)
				}
				if model["arn"] != "arn:demo:logs" {
					t.Errorf("arn = %q", model["arn"])
				}
			},
		},
		{
			name:   "failed event",
			action: proxy.ActionDelete,
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent) {
				if e.Status != proxy.OperationStatusFailed || e.ErrorCode != proxy.ErrorCodeNotFound {
					t.Errorf("got %s/%s, want FAILED/NotFound", e.Status, e.ErrorCode)
				}
				if e.Message != "bucket logs does not exist" {
					t.Errorf("message = %q", e.Message)
				}
			},
		},
		{
			name:   "list without model",
			action: proxy.ActionList,
			checkFunc: func(t *testing.T, e *proxy.ProgressEvent) {
				if e.Status != proxy.OperationStatusSuccess || len(e.ResourceModel) != 0 {
					t.Errorf("got %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cbctx json.RawMessage
			if tt.cbctx != "" {
				cbctx = json.RawMessage(tt.cbctx)
			}
			event, err := h.HandleRequest(context.Background(), newClient(), newRequest(t, `{"name":"logs"}`), tt.action, cbctx)
			if err != nil {
				t.Fatalf("HandleRequest() error = %v", err)
			}
			if event == nil {
				t.Fatal("expected an event")
			}
			tt.checkFunc(t, event)
		})
	}
}

func TestHandler_FailWith(t *testing.T) {
	h, err := New("bucket.star", bucketScript, Options{Globals: map[string]interface{}{"prefix": ""}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = h.HandleRequest(context.Background(), newClient(), newRequest(t, `{}`), proxy.ActionRead, nil)
	code, ok := proxy.CodeOf(err)
	if !ok || code != proxy.ErrorCodeAccessDenied {
		t.Errorf("CodeOf(%v) = %s, %v; want AccessDenied", err, code, ok)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{name: "syntax error", script: "def handle(:\n", wantErr: "failed to load script"},
		{name: "missing entry point", script: "x = 1\n", wantErr: "missing handle function"},
		{name: "entry point not callable", script: "handle = 1\n", wantErr: "not a function"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad.star", tt.script, Options{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandler_BadResults(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantNil bool
		wantErr string
	}{
		{name: "none", script: "def handle(r, a, c):\n    return None\n", wantNil: true},
		{name: "not a dict", script: "def handle(r, a, c):\n    return 42\n", wantErr: "must return a dict"},
		{name: "unknown status", script: "def handle(r, a, c):\n    return {\"status\": \"DONE\"}\n", wantErr: "invalid progress event"},
		{name: "runtime error", script: "def handle(r, a, c):\n    return undefined_name\n", wantErr: "failed to load script"},
		{name: "fail builtin", script: "def handle(r, a, c):\n    fail(\"boom\")\n", wantErr: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New("t.star", tt.script, Options{})
			if err != nil {
				if tt.wantErr != "" && strings.Contains(err.Error(), tt.wantErr) {
					return
				}
				t.Fatalf("New() error = %v", err)
			}

			event, err := h.HandleRequest(context.Background(), newClient(), newRequest(t, `{}`), proxy.ActionCreate, nil)
			if tt.wantNil {
				if err != nil || event != nil {
					t.Errorf("got %v, %v; want nil, nil", event, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandler_Timeout(t *testing.T) {
	script := `
def handle(request, action, callback_context):
    result = 0
    for i in range(100000):
        for j in range(100000):
            result = result + j
    return success()
`
	h, err := New("slow.star", script, Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = h.HandleRequest(context.Background(), newClient(), newRequest(t, `{}`), proxy.ActionCreate, nil)
	code, ok := proxy.CodeOf(err)
	if !ok || code != proxy.ErrorCodeNotStabilized {
		t.Errorf("CodeOf(%v) = %s, %v; want NotStabilized", err, code, ok)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.star")
	script := "def handle(request, action, callback_context):\n    return success(request[\"desiredResourceState\"])\n"
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Load(path, Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	event, err := h.HandleRequest(context.Background(), nil, newRequest(t, `{"name":"x"}`), proxy.ActionUpdate, nil)
	if err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if string(event.ResourceModel) != `{"name":"x"}` {
		t.Errorf("model = %s", event.ResourceModel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.star"), Options{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConversion(t *testing.T) {
	in := map[string]interface{}{
		"n":    float64(3),
		"f":    1.5,
		"list": []interface{}{"a", true, nil},
		"tags": map[string]string{"env": "dev"},
	}
	v, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue() error = %v", err)
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		t.Fatalf("fromStarlarkValue() error = %v", err)
	}
	m := out.(map[string]interface{})
	if m["n"] != int64(3) {
		t.Errorf("n = %#v, want int64(3)", m["n"])
	}
	if m["f"] != 1.5 {
		t.Errorf("f = %#v", m["f"])
	}
	if tags := m["tags"].(map[string]interface{}); tags["env"] != "dev" {
		t.Errorf("tags = %v", tags)
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
