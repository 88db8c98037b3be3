package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railpulse/internal/domain"
	"railpulse/internal/fusion"
	"railpulse/internal/ingestor"
	"railpulse/internal/knn"
	"railpulse/internal/middleware"
	"railpulse/internal/registry"
	"railpulse/internal/safety"
	"railpulse/internal/store"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc   *ingestor.Service
	store *store.Store
	gps   *GPSHandler
	coll  *CollisionHandler
	saver *corpusRecorder
}

type corpusRecorder struct {
	saved []knn.Example
}

func (c *corpusRecorder) Save(_ context.Context, corpus []knn.Example) error {
	c.saved = corpus
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	opts := store.DefaultOptions()
	opts.Quality = fusion.Quality
	st := store.New(opts)
	svc := ingestor.New(ingestor.Deps{
		Registry: registry.NewStatic(),
		Store:    st,
		Policy:   safety.DefaultPolicy(),
	}, ingestor.DefaultOptions(), discard())

	saver := &corpusRecorder{}
	gps := NewGPSHandler(svc, discard())
	gps.now = func() time.Time { return now }
	coll := NewCollisionHandler(svc, saver, nil, discard())
	coll.now = func() time.Time { return now }

	return &fixture{svc: svc, store: st, gps: gps, coll: coll, saver: saver}
}

func submitBody(t *testing.T, train string, lat float64) []byte {
	t.Helper()
	speed, heading := 60.0, 90.0
	positions := make([]json.RawMessage, 0, 3)
	for i := 0; i < 3; i++ {
		b, err := json.Marshal(domain.PositionSample{
			Latitude:       lat + float64(i)*0.0004,
			Longitude:      77.5946,
			AccuracyMeters: 15,
			TimestampMs:    now.Add(time.Duration(i-2) * time.Second).UnixMilli(),
			SpeedKmh:       &speed,
			HeadingDeg:     &heading,
		})
		require.NoError(t, err)
		positions = append(positions, b)
	}
	body, err := json.Marshal(domain.SubmitRequest{
		TrainNumber: train,
		DeviceID:    "device-1",
		Timestamp:   now.UnixMilli(),
		Positions:   positions,
	})
	require.NoError(t, err)
	return body
}

func do(h http.HandlerFunc, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestSubmitAccepted(t *testing.T) {
	f := newFixture(t)

	rec := do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 12.9716))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var res domain.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "12627", res.TrainNumber)
	assert.Equal(t, 3, res.Stored)
	assert.Equal(t, 0, res.Filtered)
	require.NotNil(t, res.LivePosition)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)

	t.Run("malformed body", func(t *testing.T) {
		rec := do(f.gps.Submit, http.MethodPost, "/gps/submit", []byte(`{"trainNumber":`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown train", func(t *testing.T) {
		rec := do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "99999", 12.9716))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body unknownTrainResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Invalid train number", body.Error)
		assert.Len(t, body.ValidTrains, 5)
	})

	t.Run("no valid coordinates", func(t *testing.T) {
		rec := do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 28.6139))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No valid GPS coordinates")
	})

	assert.Equal(t, 0, f.store.Count())
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := middleware.NewRateLimiter(middleware.Options{Rate: 2, Window: time.Minute}, discard())
	h := limiter.Middleware(http.HandlerFunc(f.gps.Submit))

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/gps/submit", bytes.NewReader(submitBody(t, "12627", 12.9716)))
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestGetSummaryAndDetail(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 12.9716)).Code)

	rec := do(f.gps.Get, http.MethodGet, "/gps/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 1, summary.Count)
	assert.Equal(t, "12627", summary.Trains[0].TrainNumber)
	assert.Equal(t, 3, summary.Trains[0].SampleCount)

	rec = do(f.gps.Get, http.MethodGet, "/gps/submit?train=12627", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail domain.TrainDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "12627", detail.TrainNumber)
	assert.Len(t, detail.RecentSamples, 3)

	rec = do(f.gps.Get, http.MethodGet, "/gps/submit?train=16591", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var nf notFoundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nf))
	assert.Equal(t, "16591", nf.TrainNumber)
	assert.NotEmpty(t, nf.TrainName)
}

func TestNearbyParams(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 12.9716)).Code)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing lat", "/gps/nearby?lng=77.59", http.StatusBadRequest},
		{"bad lng", "/gps/nearby?lat=12.97&lng=east", http.StatusBadRequest},
		{"bad limit", "/gps/nearby?lat=12.97&lng=77.59&limit=x", http.StatusBadRequest},
		{"ok", "/gps/nearby?lat=12.97&lng=77.59", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(f.gps.Nearby, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := do(f.gps.Nearby, http.MethodGet, "/gps/nearby?lat=12.97&lng=77.59", nil)
	var res NearbyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "12627", res.Trains[0].TrainNumber)
}

func TestCollisionPredict(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(PredictRequest{
		TrainA: domain.KinematicState{ID: "12627", Latitude: 12.9716, Longitude: 77.5946, SpeedKmh: 80, HeadingDeg: 90, Route: "Bengaluru→Mysuru"},
		TrainB: domain.KinematicState{ID: "16591", Latitude: 12.9716 + 0.002698, Longitude: 77.5946, SpeedKmh: 20, HeadingDeg: 95, Route: "Bengaluru→Mysuru"},
	})
	require.NoError(t, err)

	rec := do(f.coll.Predict, http.MethodPost, "/collision/predict", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var pred domain.CollisionPrediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pred))
	assert.Equal(t, [2]string{"12627", "16591"}, pred.TrainPairIDs)
	assert.Equal(t, domain.RiskCritical, pred.RiskLevel)
	assert.Equal(t, now.UnixMilli(), pred.TimestampMs)

	rec = do(f.coll.Predict, http.MethodPost, "/collision/predict", []byte(`{"trainA":{"id":"1"},"trainB":{}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollisionBatch(t *testing.T) {
	f := newFixture(t)

	states := []domain.KinematicState{
		{ID: "a", Latitude: 12.97, Longitude: 77.59, SpeedKmh: 60},
		{ID: "b", Latitude: 12.98, Longitude: 77.59, SpeedKmh: 60},
		{ID: "c", Latitude: 13.10, Longitude: 77.59, SpeedKmh: 60},
	}
	body, err := json.Marshal(BatchRequest{Trains: states})
	require.NoError(t, err)

	rec := do(f.coll.Batch, http.MethodPost, "/collision/batch", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res PredictionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 3, res.Count)
	for i := 1; i < len(res.Predictions); i++ {
		assert.GreaterOrEqual(t, res.Predictions[i-1].Probability, res.Predictions[i].Probability)
	}

	tooMany := make([]domain.KinematicState, MaxBatchTrains+1)
	body, err = json.Marshal(BatchRequest{Trains: tooMany})
	require.NoError(t, err)
	rec = do(f.coll.Batch, http.MethodPost, "/collision/batch", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollisionTraining(t *testing.T) {
	f := newFixture(t)
	before := len(f.svc.Estimator().Corpus())

	rec := do(f.coll.Training, http.MethodPost, "/collision/training",
		[]byte(`{"features":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8],"risk":0.4}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var res TrainingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, before+1, res.CorpusSize)
	assert.Len(t, f.saver.saved, before+1)

	tests := []struct {
		name string
		body string
	}{
		{"short features", `{"features":[0.1,0.2],"risk":0.4}`},
		{"missing risk", `{"features":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8]}`},
		{"not json", `features`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(f.coll.Training, http.MethodPost, "/collision/training", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Len(t, f.svc.Estimator().Corpus(), before+1)
}

func TestCollisionLive(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 12.9716)).Code)
	require.Equal(t, http.StatusOK, do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "16591", 12.9740)).Code)

	rec := do(f.coll.Live, http.MethodGet, "/collision/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res PredictionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Count)
}

func TestTrainsRoutes(t *testing.T) {
	h := NewTrainsHandler(registry.NewStatic(), discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/trains", h.ListTrains)
	mux.HandleFunc("GET /v1/trains/{number}", h.GetTrain)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trains", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list TrainsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, len(list.Trains), list.Count)
	assert.NotZero(t, list.Count)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trains/12627", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info domain.TrainInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Karnataka Express", info.Name)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trains/00000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h := NewHealthHandler(f.svc, f.store)

	rec := do(h.Healthz, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(h.Readyz, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Ready)
	assert.Zero(t, res.TrackedTrains)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, do(f.gps.Submit, http.MethodPost, "/gps/submit", submitBody(t, "12627", 12.9716)).Code)

	h := NewStatsHandler(f.store, registry.NewStatic(), f.svc)
	rec := do(h.GetStats, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Trains.Tracked)
	assert.Equal(t, 1, res.Trains.Devices)
	assert.Equal(t, len(knn.SeedCorpus()), res.Trains.CorpusSize)
	assert.True(t, res.Trains.RegistryUp)
}

func TestReportOperations(t *testing.T) {
	f := newFixture(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/trains/{number}/operations", f.gps.ReportOperations)

	post := func(target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, bytes.NewReader([]byte(body))))
		return rec
	}

	rec := post("/v1/trains/12627/operations", `{"occupancyPct":40,"delayMinutes":45}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res OperationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "12627", res.TrainNumber)
	assert.Equal(t, domain.StatusWarning, res.SafetyStatus)
	assert.Equal(t, []string{"Running 45 minutes late"}, res.Alerts)

	assert.Equal(t, http.StatusBadRequest, post("/v1/trains/99999/operations", `{"occupancyPct":40}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/v1/trains/12627/operations", `{"delayMinutes":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/v1/trains/12627/operations", `{`).Code)
}
