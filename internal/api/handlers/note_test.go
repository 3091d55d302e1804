package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/visitnote/internal/autosave"
	"github.com/drfirst/visitnote/internal/collaborator"
	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/visit"
	"github.com/drfirst/visitnote/pkg/scheduler"
	"github.com/drfirst/visitnote/pkg/workerpool"
)

func newTestServer(t *testing.T) (*httptest.Server, *visit.Session) {
	t.Helper()
	clock := scheduler.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	saver := autosave.New(autosave.Config{}, autosave.NewMemoryStore(), scheduler.New(clock, nil), nil, nil)
	summarizer := collaborator.SummarizerFunc(func(ctx context.Context, req collaborator.SummarizeRequest) (*note.ChartPrepOutput, error) {
		return &note.ChartPrepOutput{}, nil
	})

	session, err := visit.NewSession(visit.Options{
		Autosaver:  saver,
		Summarizer: summarizer,
		Jobs:       workerpool.Config{Workers: 1, QueueSize: 2},
		Now:        clock.Now,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewNoteHandler(session, nil).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = session.Teardown(context.Background())
	})
	return srv, session
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

const fullChart = `{
	"patientId": "P001",
	"visitId": "V01",
	"fields": {
		"chiefComplaint": "Follow-up for anxiety",
		"hpi": "Reports improved sleep.",
		"physicalExam": "Alert and oriented.",
		"assessment": "GAD, improving.",
		"plan": "Continue sertraline."
	}
}`

func TestNoteHandler_SignFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodPut, "/identity", fullChart)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "none", body["restore"])

	resp, body = do(t, srv, http.MethodPost, "/review/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "draft", body["status"])

	resp, body = do(t, srv, http.MethodPost, "/review/sign", `{"clinicianId":"dr-lee"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, body["unverifiedRequired"], len(note.RequiredSectionIDs()))

	for _, id := range note.RequiredSectionIDs() {
		resp, _ = do(t, srv, http.MethodPut, "/review/sections/"+id+"/verified", `{"verified":true}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, id)
	}

	resp, body = do(t, srv, http.MethodPost, "/review/sign", `{"clinicianId":"dr-lee"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "signed", body["status"])
	assert.Equal(t, "dr-lee", body["signedBy"])

	resp, _ = do(t, srv, http.MethodPut, "/review/sections/hpi", `{"content":"late edit"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestNoteHandler_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPut, "/fields/hpi", `{"value":"x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no patient selected")

	resp, _ = do(t, srv, http.MethodPut, "/identity", `{"visitId":"V01"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/identity", fullChart)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/review/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/review/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/review/sections/nope", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/review/synthesize", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPut, "/review/sections/hpi", `{"content":"x"}`,
		HeaderPatientID, "P002", HeaderVisitID, "V02")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "stale chart")

	resp, _ = do(t, srv, http.MethodPost, "/dictations", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNoteHandler_FieldsAndDictation(t *testing.T) {
	srv, session := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPut, "/identity", fullChart)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPut, "/fields/plan", `{"value":"Recheck in 4 weeks."}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(autosave.StatusUnsaved), body["status"])

	_, fields := session.Fields()
	assert.Equal(t, "Recheck in 4 weeks.", fields[note.SectionPlan])

	resp, body = do(t, srv, http.MethodPost, "/recordings", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	recordingID, _ := body["recordingId"].(string)
	require.NotEmpty(t, recordingID)

	resp, body = do(t, srv, http.MethodPost, "/dictations",
		`{"recordingId":"`+recordingID+`","text":"Patient taking lisinopril 10mg daily"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["summarized"])

	resp, body = do(t, srv, http.MethodGet, "/prep-notes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["notes"], 1)

	resp, body = do(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"patientId": "P001", "visitId": "V01"}, body["identity"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(visit.ErrNoReview))
	assert.Equal(t, http.StatusConflict, statusFor(autosave.ErrTransitionInProgress))
	assert.Equal(t, http.StatusBadGateway, statusFor(visit.ErrSynthesisFailed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(workerpool.ErrQueueFull))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}
