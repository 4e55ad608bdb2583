package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sluice"
	sluicehttp "github.com/aretw0/sluice/pkg/adapters/http"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *sluice.Engine {
	t.Helper()
	eng, err := sluice.New(sluice.WithStages(domain.Stage{
		Name:    "greet",
		Watches: []string{"name"},
		Outputs: []string{"greeting"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			name, _ := in.Snapshot.Get("name")
			if name == "" {
				return nil, domain.Permanent(errors.New("empty name"))
			}
			return domain.Patch{"greeting": "hello " + name.(string)}, nil
		},
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Health(t *testing.T) {
	h := sluicehttp.NewHandler(newEngine(t), sluicehttp.WithVersion("1.2.3"))

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/info", "")
	assert.Contains(t, w.Body.String(), `"version":"1.2.3"`)

	w = do(t, h, http.MethodOptions, "/trigger", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_TriggerAndRead(t *testing.T) {
	eng := newEngine(t)
	h := sluicehttp.NewHandler(eng)

	w := do(t, h, http.MethodPost, "/trigger?wait=true", `{"key":"name","value":"ada"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp sluicehttp.TriggerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.Version(1), resp.Version)
	require.NotNil(t, resp.Diff)
	assert.Equal(t, domain.Version(2), resp.Diff.Version)
	assert.Equal(t, "hello ada", resp.Diff.Values["greeting"])

	w = do(t, h, http.MethodGet, "/state/greeting", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"key":"greeting","value":"hello ada"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/state/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, []string{"greeting", "name"}, snap.Keys())
}

func TestHandler_TriggerErrors(t *testing.T) {
	h := sluicehttp.NewHandler(newEngine(t))

	w := do(t, h, http.MethodPost, "/trigger", `{"patch":{"greeting":"forged"}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodPost, "/trigger", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/trigger", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ErrorKey(t *testing.T) {
	eng := newEngine(t)
	h := sluicehttp.NewHandler(eng)

	w := do(t, h, http.MethodPost, "/trigger?wait=true", `{"key":"name","value":""}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, h, http.MethodGet, "/state/error", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stage":"greet"`)
	assert.Contains(t, w.Body.String(), `"kind":"permanent"`)
}

func TestHandler_Stages(t *testing.T) {
	h := sluicehttp.NewHandler(newEngine(t))

	w := do(t, h, http.MethodGet, "/stages", "")
	require.Equal(t, http.StatusOK, w.Code)

	var infos []domain.StageInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "greet", infos[0].Name)
	assert.Equal(t, []string{"name"}, infos[0].Watches)
}

func TestHandler_Sessions(t *testing.T) {
	var mu sync.Mutex
	engines := map[string]*sluice.Engine{}
	resolve := func(ctx context.Context, id string) (sluicehttp.Engine, error) {
		mu.Lock()
		defer mu.Unlock()
		if eng, ok := engines[id]; ok {
			return eng, nil
		}
		eng := newEngine(t)
		engines[id] = eng
		return eng, nil
	}
	h := sluicehttp.NewSessionHandler(resolve)

	w := do(t, h, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "session header is required")

	w = do(t, h, http.MethodPost, "/trigger?wait=true", `{"key":"name","value":"a"}`, sluicehttp.DefaultSessionHeader, "s1")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, h, http.MethodGet, "/state/greeting", "", sluicehttp.DefaultSessionHeader, "s1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/state/greeting", "", sluicehttp.DefaultSessionHeader, "s2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/state/greeting?session_id=s1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_SessionResolveFailure(t *testing.T) {
	h := sluicehttp.NewSessionHandler(func(ctx context.Context, id string) (sluicehttp.Engine, error) {
		return nil, errors.New("store down")
	})
	w := do(t, h, http.MethodGet, "/state", "", sluicehttp.DefaultSessionHeader, "s1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSubscribeEvents(t *testing.T) {
	eng := newEngine(t)
	srv := httptest.NewServer(sluicehttp.NewHandler(eng))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?keys=greeting", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	readData := func() string {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				return data
			}
		}
		return ""
	}
	require.Equal(t, "connected", readData())

	_, err = eng.Trigger(ctx, "name", "bob")
	require.NoError(t, err)

	var change domain.Change
	require.NoError(t, json.Unmarshal([]byte(readData()), &change))
	assert.Equal(t, "greeting", change.Key)
	assert.Equal(t, "hello bob", change.Value)
	assert.Equal(t, domain.Version(2), change.Version)
}
