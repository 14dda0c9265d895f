package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/approvals"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/credential"
	"github.com/acuicola/piscis/internal/piscis/httpapi"
	"github.com/acuicola/piscis/internal/piscis/metrics"
	"github.com/acuicola/piscis/internal/piscis/passcheck"
	"github.com/acuicola/piscis/internal/piscis/resources"
	"github.com/acuicola/piscis/internal/piscis/store"
	"github.com/acuicola/piscis/internal/piscis/store/storetest"
)

type fixedCodes struct{ gen *credential.Generator }

func (f fixedCodes) Generate() (string, string, error) {
	h, err := f.gen.Hash("4821")
	return "4821", h, err
}

func (f fixedCodes) Verify(hash, code string) bool { return f.gen.Verify(hash, code) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	t       *testing.T
	handler http.Handler
	clock   *clock
	trail   *audit.Trail
	admin   string
	op1     string
	op2     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := storetest.Open(t)
	ctx := context.Background()
	for _, u := range []store.User{
		{ID: "adm1", Nombre: "Ana", Email: "ana@granja.test", Rol: store.RoleAdmin, Activo: true},
		{ID: "op1", Nombre: "Oscar", Email: "oscar@granja.test", Rol: store.RoleOperator, Activo: true},
		{ID: "op2", Nombre: "Olga", Email: "olga@granja.test", Rol: store.RoleOperator, Activo: true},
	} {
		require.NoError(t, st.UpsertUser(ctx, u))
	}

	reg, err := resources.NewRegistry()
	require.NoError(t, err)
	gen, err := credential.NewGenerator(credential.WithCost(bcrypt.MinCost))
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	trail := audit.NewTrail(st.DB(), clk.Now)

	svc, err := approvals.NewService(approvals.Deps{
		DB: st.DB(), Trail: trail, Codes: fixedCodes{gen: gen}, Directory: st,
		Metrics: m, Protected: reg.Has, Now: clk.Now,
	}, approvals.DefaultConfig())
	require.NoError(t, err)
	gate := passcheck.NewGate(svc.Ledger(), trail, passcheck.DefaultWindow, clk.Now, m)
	mut, err := resources.NewMutator(resources.MutatorConfig{
		DB: st.DB(), Registry: reg, Gate: gate, Trail: trail, Metrics: m, Now: clk.Now,
	})
	require.NoError(t, err)

	jwtSvc := auth.NewJWTService("test-signing-key", "piscis-test")
	token := func(id, role string) string {
		tok, err := jwtSvc.GenerateAccessToken(auth.Actor{ID: id, Role: role}, time.Hour)
		require.NoError(t, err)
		return tok
	}

	return &env{
		t: t,
		handler: httpapi.NewRouter(httpapi.Deps{
			Approvals: svc,
			Mutator:   mut,
			Tokens:    jwtSvc,
			Metrics:   m,
			Gatherer:  promReg,
			Status:    st,
		}),
		clock: clk,
		trail: trail,
		admin: token("adm1", store.RoleAdmin),
		op1:   token("op1", store.RoleOperator),
		op2:   token("op2", store.RoleOperator),
	}
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *env) createEspecie() string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/especies", e.admin, map[string]any{
		"nombre_comun":       "Tilapia",
		"talla_comercial_cm": 25,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return strconv.FormatFloat(decode(e.t, rec)["id"].(float64), 'f', -1, 64)
}

func TestHealthAndStatus(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(trace.Header))

	id := e.createEspecie()
	e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"tabla": "especies", "registro_id": id, "motivo": "corregir la talla comercial",
	})

	rec = e.do(http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["pending_requests"])
}

func TestTraceIDEchoed(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(trace.Header, "abc-123")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(trace.Header))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(http.MethodGet, "/health", "", nil)

	rec := e.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "piscis_http_requests_total")
}

func TestAuthenticationRequired(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/especies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])

	rec = e.do(http.MethodGet, "/especies", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEditFlowEndToEnd(t *testing.T) {
	e := newEnv(t)
	id := e.createEspecie()

	// Without a pass the operator is refused.
	rec := e.do(http.MethodPatch, "/especies/"+id, e.op1, map[string]any{"talla_comercial_cm": 30})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode(t, rec)["error"])

	rec = e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"tabla": "especies", "registro_id": id, "motivo": "corregir la talla comercial",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	reqID := created["id"].(string)
	assert.Equal(t, "PENDING", created["state"])

	// Resubmitting returns the same pending request.
	rec = e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"table": "especies", "recordId": id, "reason": "corregir la talla comercial",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reqID, decode(t, rec)["id"])

	rec = e.do(http.MethodGet, "/edit-requests/pending?tabla=especies&registro_id="+id, e.op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode(t, rec)
	assert.Equal(t, true, pending["pending"])

	// Operators cannot decide.
	rec = e.do(http.MethodPatch, "/edit-requests/"+reqID, e.op1, map[string]any{"accion": "aprobar"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPatch, "/edit-requests/"+reqID, e.admin, map[string]any{
		"accion": "aprobar", "comentario": "ok",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decode(t, rec)
	assert.Equal(t, "APPROVED", decided["state"])
	assert.Equal(t, "ISSUED", decided["codeState"])
	assert.NotContains(t, rec.Body.String(), "4821")

	rec = e.do(http.MethodPatch, "/edit-requests/"+reqID, e.admin, map[string]any{"action": "reject"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(http.MethodGet, "/edit-requests/pending?table=especies&recordId="+id, e.op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	req := decode(t, rec)["request"].(map[string]any)
	assert.Equal(t, true, req["hasCode"])
	assert.Equal(t, "APPROVED", req["estado"])

	rec = e.do(http.MethodPost, "/edit-requests/"+reqID+"/verify", e.op1, map[string]any{"codigo": "4821"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["verified"])

	rec = e.do(http.MethodPatch, "/especies/"+id, e.op1, map[string]any{"talla_comercial_cm": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 30, decode(t, rec)["talla_comercial_cm"])

	e.clock.Advance(11 * time.Minute)
	rec = e.do(http.MethodPatch, "/especies/"+id, e.op1, map[string]any{"talla_comercial_cm": 31})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	n, err := e.trail.CountActions(context.Background(), approvals.RequestTable, reqID, audit.ActionCodeUsed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVerifyFailuresShareOneMessage(t *testing.T) {
	e := newEnv(t)
	id := e.createEspecie()

	rec := e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"tabla": "especies", "registro_id": id, "motivo": "corregir la talla comercial",
	})
	reqID := decode(t, rec)["id"].(string)
	e.do(http.MethodPatch, "/edit-requests/"+reqID, e.admin, map[string]any{"aprobar": true})

	rec = e.do(http.MethodPost, "/edit-requests/"+reqID+"/verify", e.op1, map[string]any{"code": "0000"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	mismatch := decode(t, rec)
	assert.Equal(t, "invalid_code", mismatch["error"])

	rec = e.do(http.MethodPost, "/edit-requests/"+reqID+"/verify", e.op1, map[string]any{"code": "4821"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodPost, "/edit-requests/"+reqID+"/verify", e.op1, map[string]any{"code": "4821"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, mismatch, decode(t, rec))
}

func TestRequestVisibility(t *testing.T) {
	e := newEnv(t)
	id := e.createEspecie()

	rec := e.do(http.MethodPost, "/deactivate-requests", e.op1, map[string]any{
		"tabla": "especies", "registro_id": id, "motivo": "especie ya no se cultiva",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	reqID := decode(t, rec)["id"].(string)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/deactivate-requests/"+reqID, e.op1, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/deactivate-requests/"+reqID, e.admin, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/deactivate-requests/"+reqID, e.op2, nil).Code)

	// The two ledgers are separate.
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/edit-requests/"+reqID, e.admin, nil).Code)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/deactivate-requests", e.op1, nil).Code)
	rec = e.do(http.MethodGet, "/deactivate-requests?estado=PENDING&pageSize=5", e.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.EqualValues(t, 1, page["total"])
	assert.EqualValues(t, 5, page["pageSize"])
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t)
	id := e.createEspecie()

	rec := e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"tabla": "especies", "registro_id": id, "motivo": "corto",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])

	rec = e.do(http.MethodPost, "/edit-requests", e.op1, map[string]any{
		"tabla": "usuarios", "registro_id": "1", "motivo": "corregir la talla comercial",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/edit-requests", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+e.op1)
	out := httptest.NewRecorder()
	e.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)

	rec = e.do(http.MethodPost, "/especies", e.admin, map[string]any{"color": "rojo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResourceRoutes(t *testing.T) {
	e := newEnv(t)
	id := e.createEspecie()

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/peces/1", e.admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/especies/999", e.admin, nil).Code)

	rec := e.do(http.MethodGet, "/especies/"+id, e.op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Tilapia", decode(t, rec)["nombre_comun"])

	rec = e.do(http.MethodDelete, "/especies/"+id, e.op1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodDelete, "/especies/"+id, e.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["activo"])

	rec = e.do(http.MethodGet, "/especies", e.op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["total"])

	rec = e.do(http.MethodGet, "/especies?include_inactive=true", e.op1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = e.do(http.MethodDelete, "/especies/"+id, e.admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
