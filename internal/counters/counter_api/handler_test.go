package counter_api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ms-counters/internal/config"
	"ms-counters/internal/counters/db/dbtest"
	"ms-counters/internal/counters/service"
	"ms-counters/internal/models"
	"ms-counters/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	handler  *Handler
	router   http.Handler
	registry *sse.Registry
}

func setupAPI(t *testing.T, keepAlive time.Duration) *testAPI {
	t.Helper()

	registry := sse.NewRegistry(nil)
	dispatcher := sse.NewDispatcher(registry, nil)
	svc := service.New(dbtest.New(t), dispatcher, nil)

	h := NewHandler(svc, dispatcher, nil, config.StreamConfig{KeepAlive: keepAlive, BufferSize: 16}, []string{"*"})
	return &testAPI{handler: h, router: NewRouter(h, []string{"*"}), registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func createEvent(t *testing.T, a *testAPI, name string) models.Event {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/events", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var event models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	return event
}

func counterPath(eventID, counterID int64) string {
	return "/api/events/" + strconv.FormatInt(eventID, 10) + "/counters/" + strconv.FormatInt(counterID, 10)
}

func TestConcertScenario(t *testing.T) {
	a := setupAPI(t, time.Minute)

	event := createEvent(t, a, "Concert")
	require.Len(t, event.Counters, 1)
	assert.Equal(t, "Main Entrance", event.Counters[0].Name)
	path := counterPath(event.ID, event.Counters[0].ID)

	var counter models.Counter
	for _, change := range []string{"1", "1"} {
		rec := a.do(t, http.MethodPatch, path, `{"change":`+change+`}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	}
	assert.Equal(t, int64(2), counter.Count)

	for i := 0; i < 3; i++ {
		rec := a.do(t, http.MethodPatch, path, `{"change":-1}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	}
	assert.Equal(t, int64(0), counter.Count)

	rec := a.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].Counters[0].Count)
}

func TestListEventsEmptyArray(t *testing.T) {
	a := setupAPI(t, time.Minute)

	rec := a.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestCreateEventValidation(t *testing.T) {
	a := setupAPI(t, time.Minute)

	for _, body := range []string{`{}`, `{"name":""}`, `{"name":"   "}`, `{"name":42}`, `not json`} {
		rec := a.do(t, http.MethodPost, "/api/events", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, service.MsgEventNameRequired, decodeMessage(t, rec), body)
	}
}

func TestDeleteEvent(t *testing.T) {
	a := setupAPI(t, time.Minute)
	event := createEvent(t, a, "Concert")

	rec := a.do(t, http.MethodDelete, "/api/events/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Event ID.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodDelete, "/api/events/"+strconv.FormatInt(event.ID, 10), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = a.do(t, http.MethodDelete, "/api/events/"+strconv.FormatInt(event.ID, 10), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Event not found.", decodeMessage(t, rec))
}

func TestAddCounter(t *testing.T) {
	a := setupAPI(t, time.Minute)
	event := createEvent(t, a, "Concert")
	base := "/api/events/" + strconv.FormatInt(event.ID, 10) + "/counters"

	rec := a.do(t, http.MethodPost, base, `{"name":"Side Door"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var counter models.Counter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	assert.Equal(t, "Side Door", counter.Name)
	assert.Equal(t, event.ID, counter.EventID)

	rec = a.do(t, http.MethodPost, base, `{"name":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Counter name is required.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodPost, "/api/events/x/counters", `{"name":"A"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Event ID.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodPost, "/api/events/99999/counters", `{"name":"A"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Event not found.", decodeMessage(t, rec))
}

func TestDeleteCounter(t *testing.T) {
	a := setupAPI(t, time.Minute)
	event := createEvent(t, a, "Concert")
	entrance := event.Counters[0]

	rec := a.do(t, http.MethodDelete, counterPath(event.ID, entrance.ID), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Cannot delete the last counter.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodPost, "/api/events/"+strconv.FormatInt(event.ID, 10)+"/counters", `{"name":"Side Door"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodDelete, counterPath(event.ID, 424242), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Counter not found or does not belong to the event.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodDelete, "/api/events/1/counters/zz", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Event or Counter ID.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodDelete, counterPath(event.ID, entrance.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdjustCounterValidation(t *testing.T) {
	a := setupAPI(t, time.Minute)
	event := createEvent(t, a, "Concert")
	path := counterPath(event.ID, event.Counters[0].ID)

	for _, body := range []string{`{}`, `{"change":2}`, `{"change":0}`, `{"change":"1"}`, `{"change":0.5}`, `[]`} {
		rec := a.do(t, http.MethodPatch, path, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Invalid change value. Must be 1 or -1.", decodeMessage(t, rec), body)
	}

	rec := a.do(t, http.MethodPatch, "/api/events/1/counters/1.5", `{"change":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Event or Counter ID.", decodeMessage(t, rec))

	rec = a.do(t, http.MethodPatch, counterPath(event.ID+1, event.Counters[0].ID), `{"change":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Counter not found or does not belong to the event.", decodeMessage(t, rec))
}

func TestHealth(t *testing.T) {
	a := setupAPI(t, time.Minute)
	_, err := a.registry.Register(sse.NewChanConn(1))
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK","clients":1}`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendErrorBroadcastIsOptIn(t *testing.T) {
	a := setupAPI(t, time.Minute)
	conn := sse.NewChanConn(4)
	_, err := a.registry.Register(conn)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	a.handler.sendError(httptest.NewRecorder(), req, http.StatusBadRequest, "quiet", false)
	select {
	case msg := <-conn.Messages():
		t.Fatalf("unexpected broadcast: %s", msg)
	default:
	}

	rec := httptest.NewRecorder()
	a.handler.sendError(rec, req, http.StatusInternalServerError, "loud", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	select {
	case msg := <-conn.Messages():
		assert.JSONEq(t, `{"type":"error","payload":{"message":"loud"}}`, string(msg))
	default:
		t.Fatal("expected an error broadcast")
	}
}

func TestRecoverer(t *testing.T) {
	a := setupAPI(t, time.Minute)

	r := chi.NewRouter()
	r.Use(Recoverer(a.handler.Logger))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	r.Get("/late", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("late")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Internal server error."}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/late", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

// readFrame returns the next non-empty SSE frame without its trailing blank
// line.
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var frame bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			if frame.Len() == 0 {
				continue
			}
			return strings.TrimSuffix(frame.String(), "\n")
		}
		frame.WriteString(line)
	}
}

// startServer serves the router until the test ends. Cleanups run in reverse,
// so streams opened later are closed before the registry and the server.
func (a *testAPI) startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(a.router)
	t.Cleanup(func() {
		a.registry.Close()
		srv.Close()
	})
	return srv
}

func openStream(t *testing.T, srv *httptest.Server) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/events/stream")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp, bufio.NewReader(resp.Body)
}

func TestStreamDeliversCommittedChanges(t *testing.T) {
	a := setupAPI(t, time.Minute)
	srv := a.startServer(t)

	_, reader := openStream(t, srv)

	hello := readFrame(t, reader)
	require.True(t, strings.HasPrefix(hello, "data: "), hello)
	var connected struct {
		Type    string                  `json:"type"`
		Payload models.ConnectedPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(hello, "data: ")), &connected))
	assert.Equal(t, "connected", connected.Type)
	assert.NotZero(t, connected.Payload.ClientID)
	assert.Equal(t, 1, a.registry.Count())

	resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(`{"name":"Concert"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// a rejected request must not produce a frame before the next change
	resp, err = http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(`{"name":""}`))
	require.NoError(t, err)
	resp.Body.Close()

	frame := readFrame(t, reader)
	var added struct {
		Type    string       `json:"type"`
		Payload models.Event `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &added))
	assert.Equal(t, "event_added", added.Type)
	assert.Equal(t, "Concert", added.Payload.Name)
	require.Len(t, added.Payload.Counters, 1)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/events/"+strconv.FormatInt(added.Payload.ID, 10), nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	frame = readFrame(t, reader)
	assert.JSONEq(t,
		`{"type":"event_removed","payload":{"eventId":`+strconv.FormatInt(added.Payload.ID, 10)+`}}`,
		strings.TrimPrefix(frame, "data: "))
}

func TestStreamKeepAlive(t *testing.T) {
	a := setupAPI(t, 20*time.Millisecond)
	srv := a.startServer(t)

	_, reader := openStream(t, srv)
	readFrame(t, reader)

	assert.Equal(t, ": keep-alive", readFrame(t, reader))
}

func TestStreamEndsWhenRegistryCloses(t *testing.T) {
	a := setupAPI(t, time.Minute)
	srv := a.startServer(t)

	_, reader := openStream(t, srv)
	readFrame(t, reader)

	a.registry.Close()

	_, err := reader.ReadString('\n')
	assert.Error(t, err)

	resp, err := http.Get(srv.URL + "/api/events/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamClientDisconnectUnregisters(t *testing.T) {
	a := setupAPI(t, time.Minute)
	srv := a.startServer(t)

	resp, reader := openStream(t, srv)
	readFrame(t, reader)
	require.Equal(t, 1, a.registry.Count())

	resp.Body.Close()

	assert.Eventually(t, func() bool { return a.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	a := setupAPI(t, time.Minute)
	srv := a.startServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	var msg models.StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, models.StreamConnected, msg.Type)

	createEvent(t, a, "Concert")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, models.StreamEventAdded, msg.Type)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return a.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
