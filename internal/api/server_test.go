package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/librescoot/evse-service/internal/engine"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	status notify.Status
	err    error
	calls  []string
}

func (f *fakeEngine) SetPwm(ctx context.Context, action string, duty float64) error {
	f.calls = append(f.calls, fmt.Sprintf("pwm %s %.2f", action, duty))
	return f.err
}

func (f *fakeEngine) SetPower(ctx context.Context, allow bool) error {
	f.calls = append(f.calls, fmt.Sprintf("power %t", allow))
	return f.err
}

func (f *fakeEngine) SetImax(ctx context.Context, imax int) error {
	f.calls = append(f.calls, fmt.Sprintf("imax %d", imax))
	return f.err
}

func (f *fakeEngine) SetSlac(ctx context.Context, status string) error {
	f.calls = append(f.calls, "slac "+status)
	return f.err
}

func (f *fakeEngine) Enable(ctx context.Context, on bool) error {
	f.calls = append(f.calls, fmt.Sprintf("enable %t", on))
	return f.err
}

func (f *fakeEngine) Status(ctx context.Context) (notify.Status, error) {
	return f.status, nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	eng := &fakeEngine{status: notify.Status{Plugged: true, Pwm: "on", CableImax: 32}}
	s := NewServer(":0", eng, log.NewTest(t))

	rec := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got notify.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, eng.status, got)
}

func TestVerbsReachEngine(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(":0", eng, log.NewTest(t))

	for _, tc := range []struct {
		path, body string
	}{
		{"/pwm", `{"action":"on","duty":0.5}`},
		{"/power", `{"allow":true}`},
		{"/imax", `{"imax":16}`},
		{"/slac", `{"state":"matched"}`},
		{"/enable", `{"enable":false}`},
	} {
		rec := do(t, s, http.MethodPost, tc.path, tc.body)
		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
	}

	assert.Equal(t, []string{
		"pwm on 0.50",
		"power true",
		"imax 16",
		"slac matched",
		"enable false",
	}, eng.calls)
}

func TestErrorCodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		code int
	}{
		{"invalid", fmt.Errorf("%w: bogus", engine.ErrInvalidArgument), http.StatusBadRequest},
		{"transport", fmt.Errorf("write failed: %w", transport.ErrTransport), http.StatusBadGateway},
		{"stopped", engine.ErrStopped, http.StatusServiceUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(":0", &fakeEngine{err: tc.err}, log.NewTest(t))
			rec := do(t, s, http.MethodPost, "/pwm", `{"action":"bogus"}`)
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestMalformedBody(t *testing.T) {
	eng := &fakeEngine{}
	s := NewServer(":0", eng, log.NewTest(t))

	rec := do(t, s, http.MethodPost, "/imax", `{"imax":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.calls)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := NewServer(":0", &fakeEngine{}, log.NewTest(t))

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evse_")

	rec = do(t, s, http.MethodGet, "/pwm", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
