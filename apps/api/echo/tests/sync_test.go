package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core"
	"github.com/trezcool/masomo-sync/core/record"
)

func TestHome(t *testing.T) {
	env := setup(t)
	req, rec := newRequest(http.MethodGet, "/")
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome to Masomo Sync API!", rec.Body.String())
}

func TestSyncAPI_auth(t *testing.T) {
	env := setup(t)

	otherConf := *env.conf
	otherConf.SecretKey = "not-the-secret"
	forged := getToken(t, &otherConf, teacher)

	expiredConf := *env.conf
	expiredConf.Server.JWTExpirationDelta = -time.Hour
	expired := getToken(t, &expiredConf, teacher)

	body := []byte(`{"operations":[]}`)
	runHTTPTests(t, env.server, []httpTest{
		{
			name:     "push without token",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     body,
			wantCode: http.StatusUnauthorized,
			wantData: marshallObj(t, errMissingToken),
		},
		{
			name:     "pull without token",
			method:   http.MethodPost,
			path:     "/v1/sync/pull",
			body:     []byte(`{}`),
			wantCode: http.StatusUnauthorized,
			wantData: marshallObj(t, errMissingToken),
		},
		{
			name:     "forged token",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     body,
			token:    forged,
			wantCode: http.StatusUnauthorized,
			wantData: marshallObj(t, errInvalidToken),
		},
		{
			name:     "expired token",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     body,
			token:    expired,
			wantCode: http.StatusUnauthorized,
			wantData: marshallObj(t, errInvalidToken),
		},
	})
}

func TestSyncAPI_push(t *testing.T) {
	env := setup(t)
	token := getToken(t, env.conf, teacher)

	runHTTPTests(t, env.server, []httpTest{
		{
			name:   "applied",
			method: http.MethodPost,
			path:   "/v1/sync/push",
			body: []byte(`{"operations":[
				{"id":"op-1","type":"CREATE","entity":"task","operation":"create","data":{"id":"t1","title":"HW1"},"timestamp":100},
				{"id":"op-2","type":"UPDATE","entity":"task","operation":"update","data":{"id":"t1","done":true},"timestamp":200}
			]}`),
			token:    token,
			wantCode: http.StatusOK,
			wantData: []byte(`{"applied":["op-1","op-2"],"conflicts":[]}`),
			ignore:   []string{"serverTimestamp"},
		},
		{
			name:   "re-sent and conflicting",
			method: http.MethodPost,
			path:   "/v1/sync/push/",
			body: []byte(`{"operations":[
				{"id":"op-1","type":"CREATE","entity":"task","operation":"create","data":{"id":"t1","title":"HW1"},"timestamp":100},
				{"id":"op-3","type":"UPDATE","entity":"task","operation":"update","data":{"id":"t1","done":false},"timestamp":150}
			]}`),
			token:    token,
			wantCode: http.StatusOK,
			wantData: []byte(`{"applied":["op-1"],"conflicts":[{
				"id":"op-3","entity":"task","recordId":"t1","operation":"UPDATE","reason":"stale operation",
				"serverTimestamp":200,"serverData":{"id":"t1","title":"HW1","done":true}
			}]}`),
			ignore: []string{"serverTimestamp"},
		},
		{
			name:   "invalid",
			method: http.MethodPost,
			path:   "/v1/sync/push",
			body: []byte(`{"operations":[
				{"id":"op-4","type":"PATCH","entity":"grade","operation":"x","data":{},"timestamp":0}
			]}`),
			token:    token,
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{
				"operations[0].type":      "type must be one of CREATE, UPDATE, DELETE",
				"operations[0].entity":    "entity is not a synced entity",
				"operations[0].timestamp": "timestamp must be greater than 0",
			}),
		},
		{
			name:     "batch too large",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     []byte(`{"operations":[{},{},{},{}]}`),
			token:    token,
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"operations": "a push holds at most 3 operations"}),
		},
		{
			name:     "malformed",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     []byte(`{"operations":`),
			token:    token,
			wantCode: http.StatusBadRequest,
		},
	})
}

func TestSyncAPI_pull(t *testing.T) {
	env := setup(t)
	token := getToken(t, env.conf, teacher)

	req, rec := newAuthRequest(http.MethodPost, "/v1/sync/push", token, []byte(`{"operations":[
		{"id":"op-1","type":"CREATE","entity":"student","operation":"enrol","data":{"id":"s1","name":"Amani"},"timestamp":100},
		{"id":"op-2","type":"CREATE","entity":"payment","operation":"record","data":{"id":"p1","amount":5000},"timestamp":100},
		{"id":"op-3","type":"DELETE","entity":"payment","operation":"void","data":{"id":"p1"},"timestamp":200}
	]}`))
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req, rec = newAuthRequest(http.MethodPost, "/v1/sync/pull", token, []byte(`{"lastSyncTimestamp":0,"entities":["student","payment","task"]}`))
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res record.PullResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Greater(t, res.ServerTimestamp, int64(0))
	assert.Empty(t, res.Changes["task"])
	require.Len(t, res.Changes["student"], 1)
	assert.JSONEq(t, `{"id":"s1","name":"Amani"}`, string(res.Changes["student"][0].Data))
	require.Len(t, res.Changes["payment"], 1)
	assert.True(t, res.Changes["payment"][0].Deleted)

	// nothing new since the last pull
	body := marshallObj(t, record.PullRequest{LastSyncTimestamp: res.ServerTimestamp, Entities: []string{"student", "payment"}})
	runHTTPTests(t, env.server, []httpTest{
		{
			name:     "up to date",
			method:   http.MethodPost,
			path:     "/v1/sync/pull",
			body:     body,
			token:    token,
			wantCode: http.StatusOK,
			wantData: []byte(`{"changes":{"student":[],"payment":[]}}`),
			ignore:   []string{"serverTimestamp"},
		},
		{
			name:     "unknown entity",
			method:   http.MethodPost,
			path:     "/v1/sync/pull",
			body:     []byte(`{"lastSyncTimestamp":0,"entities":["grade"]}`),
			token:    token,
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"entities[0]": "entities[0] is not a synced entity"}),
		},
	})
}

func TestSyncAPI_rateLimit(t *testing.T) {
	env := setup(t, withRateLimit(0.001, 2))
	token := getToken(t, env.conf, teacher)
	other := getToken(t, env.conf, core.Actor{ID: "u2", Username: "teacher2"})

	push := func(token string) int {
		req, rec := newAuthRequest(http.MethodPost, "/v1/sync/push", token, []byte(`{"operations":[]}`))
		env.server.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, push(token))
	assert.Equal(t, http.StatusOK, push(token))
	assert.Equal(t, http.StatusTooManyRequests, push(token))
	// buckets are per user
	assert.Equal(t, http.StatusOK, push(other))
}

func TestSyncAPI_serverError(t *testing.T) {
	env := setup(t, withRepo(func(repo record.Repository) record.Repository { return failingRepo{repo} }))
	token := getToken(t, env.conf, teacher)

	runHTTPTests(t, env.server, []httpTest{
		{
			name:     "push",
			method:   http.MethodPost,
			path:     "/v1/sync/push",
			body:     []byte(`{"operations":[{"id":"op-1","type":"CREATE","entity":"task","operation":"create","data":{},"timestamp":1}]}`),
			token:    token,
			wantCode: http.StatusInternalServerError,
			wantData: marshallObj(t, httpErr{Error: "Internal Server Error"}),
		},
		{
			name:     "pull",
			method:   http.MethodPost,
			path:     "/v1/sync/pull",
			body:     []byte(`{"lastSyncTimestamp":0}`),
			token:    token,
			wantCode: http.StatusInternalServerError,
			wantData: marshallObj(t, httpErr{Error: "Internal Server Error"}),
		},
	})
	assert.Equal(t, 2, env.logger.Count("ERROR", "Internal Server Error"))
}
