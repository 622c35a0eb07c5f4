package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	. "github.com/trezcool/masomo-sync/apps/api/echo"
	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/record"
	inmemdb "github.com/trezcool/masomo-sync/storage/database/inmem"
	testutil "github.com/trezcool/masomo-sync/tests"
)

var (
	entities = []string{"student", "teacher", "class", "attendance", "task", "payment"}

	teacher = core.Actor{ID: "u1", Username: "teacher1", Email: "teacher1@masomo.test"}

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errInvalidToken = httpErr{Error: "invalid or expired jwt"}
)

type testEnv struct {
	conf   *core.Config
	repo   record.Repository
	logger *testutil.Logger
	server Server
}

type setupOption func(env *testEnv)

func withRateLimit(rps float64, burst int) setupOption {
	return func(env *testEnv) {
		env.conf.Server.RateLimit = rps
		env.conf.Server.RateBurst = burst
	}
}

func withRepo(wrap func(record.Repository) record.Repository) setupOption {
	return func(env *testEnv) { env.repo = wrap(env.repo) }
}

func setup(t *testing.T, opts ...setupOption) *testEnv {
	env := &testEnv{
		conf: &core.Config{
			AppName:   "Masomo",
			Env:       "TEST",
			TestMode:  true,
			SecretKey: "test-secret",
			Server:    core.ServerConfig{JWTExpirationDelta: time.Hour},
			Sync:      core.SyncConfig{Entities: entities, MaxBatchSize: 3},
		},
		repo:   inmemdb.NewRecordRepository(inmemdb.Open()),
		logger: testutil.NewLogger(),
	}
	for _, opt := range opts {
		opt(env)
	}

	validate := validator.New()
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	core.InitValidators(validate, translator)
	record.InitValidators(validate, translator, env.conf.Sync.Entities, env.conf.Sync.MaxBatchSize)

	svc, err := record.NewService(env.repo, nil, env.logger, env.conf.Sync.Entities)
	if err != nil {
		t.Fatalf("record.NewService() failed: %v", err)
	}

	env.server = NewServer(ServerDeps{
		Conf:           env.conf,
		Logger:         env.logger,
		RecordSvc:      svc,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	t.Cleanup(func() { _ = env.server.Shutdown(context.Background()) })
	return env
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	ignore   []string // top-level keys left out of the comparison
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, conf *core.Config, actor core.Actor) string {
	token, err := GenerateToken(conf, NewClaims(conf, actor, "teacher:"))
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte, ignore []string) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	for _, j := range []interface{}{j1, j2} {
		if m, ok := j.(map[string]interface{}); ok {
			for _, k := range ignore {
				delete(m, k)
			}
		}
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData, tt.ignore)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, server Server, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

type failingRepo struct {
	record.Repository
}

func (r failingRepo) WithTx(ctx context.Context, fn func(tx record.Repository) error) error {
	return errors.New("connection refused")
}

func (r failingRepo) QueryChanges(ctx context.Context, since int64, entities []string) ([]record.Record, error) {
	return nil, errors.New("connection refused")
}
