package service

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"tf_object_detector/config"
	"tf_object_detector/inference"
	"tf_object_detector/inference/inferencetest"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestApp(t *testing.T, workers int) (*App, *inferencetest.Engine) {
	engine := inferencetest.NewSSD(
		[]float32{1, 2, 3},
		[]float32{0.9, 0.6, 0.3},
		[]float32{
			0.25, 0.25, 0.75, 0.75,
			0, 0, 1, 1,
			0, 0, 0.5, 0.5,
		},
	)
	cfg := config.Default()
	cfg.Path = inferencetest.WriteGraph(t, t.TempDir())
	app, err := NewApp(engine, cfg, []string{"background", "person", "bicycle"}, workers, time.Second, quietLogger())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app, engine
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for key, data := range files {
		fw, err := mw.CreateFormFile(key, key+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func pngBytes(t *testing.T, w, h int) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

type detectResponse struct {
	Detections map[string][]DetectionJSON `json:"detections"`
	Errors     map[string]string          `json:"errors"`
}

func postDetect(t *testing.T, app *App, query string, files map[string][]byte) (int, detectResponse) {
	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/detect"+query, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)

	var resp detectResponse
	if rec.Code != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestNewAppWarmsUpEverySession(t *testing.T) {
	_, engine := newTestApp(t, 3)
	require.EqualValues(t, 3, engine.Dispatches())
	require.EqualValues(t, 0, engine.Live())
}

func TestDetectEndpoint(t *testing.T) {
	app, engine := newTestApp(t, 2)
	code, resp := postDetect(t, app, "", map[string][]byte{
		"camera_front": pngBytes(t, 200, 100),
		"camera_back":  pngBytes(t, 40, 40),
		"snapshot":     pngBytes(t, 10, 10),
	})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Detections, 2)
	require.Empty(t, resp.Errors)

	front := resp.Detections["camera_front"]
	require.Len(t, front, 3)
	require.Equal(t, "person", front[0].Label)
	require.Equal(t, inference.Rect{X: 50, Y: 25, Width: 100, Height: 50}, front[0].Rect)
	require.Equal(t, "", front[2].Label)
	require.Equal(t, inference.Rect{X: 0, Y: 0, Width: 40, Height: 40}, resp.Detections["camera_back"][1].Rect)

	require.EqualValues(t, 0, engine.Live())
}

func TestDetectEndpointThreshold(t *testing.T) {
	app, _ := newTestApp(t, 1)
	code, resp := postDetect(t, app, "?threshold=0.5", map[string][]byte{"camera_1": pngBytes(t, 8, 8)})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Detections["camera_1"], 2)

	code, _ = postDetect(t, app, "?threshold=high", map[string][]byte{"camera_1": pngBytes(t, 8, 8)})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestDetectEndpointBadImage(t *testing.T) {
	app, _ := newTestApp(t, 1)
	code, resp := postDetect(t, app, "", map[string][]byte{"camera_1": []byte("not an image")})
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, resp.Errors, "camera_1")
}

func TestDetectEndpointRunFailure(t *testing.T) {
	app, engine := newTestApp(t, 1)
	engine.RunErr = io.ErrUnexpectedEOF
	code, resp := postDetect(t, app, "", map[string][]byte{"camera_1": pngBytes(t, 8, 8)})
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, resp.Errors["camera_1"], "unexpected EOF")
}

func TestMetricsAndHealth(t *testing.T) {
	app, _ := newTestApp(t, 2)
	postDetect(t, app, "", map[string][]byte{"camera_1": pngBytes(t, 8, 8)})

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	require.EqualValues(t, 2, metrics["workers"])
	require.EqualValues(t, 1, metrics["requests"])
	require.EqualValues(t, 1, metrics["images"])

	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	app.Close()
	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAppCloseClosesEverySession(t *testing.T) {
	app, engine := newTestApp(t, 3)
	app.Close()
	app.Close()
	require.EqualValues(t, 3, engine.Closes())
}

func TestDetectAfterClose(t *testing.T) {
	app, engine := newTestApp(t, 2)
	app.Close()
	code, resp := postDetect(t, app, "", map[string][]byte{"camera_1": pngBytes(t, 20, 20)})
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, ErrClosed.Error(), resp.Errors["camera_1"])
	require.EqualValues(t, 2, engine.Dispatches())
}

func TestNewAppUnresolvedSignature(t *testing.T) {
	engine := inferencetest.NewSSD(nil, nil, nil)
	delete(engine.Ops, "num_detections")
	cfg := config.Default()
	cfg.Path = inferencetest.WriteGraph(t, t.TempDir())
	_, err := NewApp(engine, cfg, nil, 2, 0, quietLogger())
	var unresolved *inference.UnresolvedOperationError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, "num_detections", unresolved.Port.Op)
	require.EqualValues(t, 1, engine.Closes())
}

func TestFilterByScore(t *testing.T) {
	dets := []inference.Detection{{Confidence: 0.2}, {Confidence: 0.7}, {Confidence: 0.5}}
	require.Len(t, FilterByScore(dets, 0), 3)
	kept := FilterByScore(dets, 0.5)
	require.Len(t, kept, 2)
	require.Equal(t, float32(0.7), kept[0].Confidence)
}
