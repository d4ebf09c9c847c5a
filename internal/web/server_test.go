package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/micheletedeschi/mtconnect-agent/internal/asset"
	"github.com/micheletedeschi/mtconnect-agent/internal/mtcxml"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *schema.Registry, *store.Store, *asset.Store) {
	t.Helper()
	reg := schema.NewRegistry()
	dev := &schema.Device{
		UUID: "000",
		Name: "VMC-3Axis",
		DataItems: []*schema.DataItem{
			{ID: "avail1", Name: "avail", Type: "AVAILABILITY", Category: schema.CategoryEvent},
		},
		Components: []*schema.Component{
			{
				ID: "el1", Type: "Electric",
				DataItems: []*schema.DataItem{
					{ID: "va1", Name: "Va", Type: "VOLTAGE", Category: schema.CategorySample, Representation: schema.RepresentationTimeSeries},
				},
			},
		},
	}
	if err := reg.InsertDevice(dev); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}

	obs := store.New(100)
	assets := asset.NewStore(10)
	ser := &mtcxml.Serializer{
		Sender:     "testhost",
		InstanceID: 1,
		Version:    "1.3",
		BufferSize: 100,
		Now:        func() time.Time { return time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC) },
	}
	return NewServer(":0", reg, obs, assets, ser, nil), reg, obs, assets
}

func get(t *testing.T, srv *Server, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	switch {
	case strings.HasPrefix(url, "/probe"):
		srv.handleProbe(w, req)
	case strings.HasPrefix(url, "/current"):
		srv.handleCurrent(w, req)
	case strings.HasPrefix(url, "/sample"):
		srv.handleSample(w, req)
	case strings.HasPrefix(url, "/assets"):
		srv.handleAssets(w, req)
	default:
		srv.handleUnsupported(w, req)
	}
	return w
}

func TestProbeEndpoint(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	w := get(t, srv, "/probe")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<MTConnectDevices") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCurrentEndpoint(t *testing.T) {
	srv, reg, obs, _ := setupTestServer(t)
	obs.Update(reg.DataItemByID("avail1"), "2020-05-01T10:00:00Z", store.Scalar("AVAILABLE"))

	w := get(t, srv, "/current")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), ">AVAILABLE</Availability>") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCurrentWithPathFilter(t *testing.T) {
	srv, reg, obs, _ := setupTestServer(t)
	obs.Update(reg.DataItemByID("avail1"), "t", store.Scalar("AVAILABLE"))
	obs.Update(reg.DataItemByID("va1"), "t", store.TimeSeries{SampleCount: "10", Samples: "1 2 3"})

	w := get(t, srv, `/current?path=`+`//DataItem%5B%40type%3D%22VOLTAGE%22%5D`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "<VoltageTimeSeries") {
		t.Errorf("missing time series element: %s", body)
	}
	if strings.Contains(body, "Availability") {
		t.Errorf("path filter leaked availability: %s", body)
	}
}

func TestCurrentInvalidPath(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	w := get(t, srv, "/current?path=garbage")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `errorCode="INVALID_XPATH"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCurrentAt(t *testing.T) {
	srv, reg, obs, _ := setupTestServer(t)
	avail := reg.DataItemByID("avail1")
	obs.Update(avail, "t1", store.Scalar("UNAVAILABLE"))
	obs.Update(avail, "t2", store.Scalar("AVAILABLE"))

	w := get(t, srv, "/current?at=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), ">UNAVAILABLE</Availability>") {
		t.Errorf("at=1 body = %s", w.Body.String())
	}

	w = get(t, srv, "/current?at=99")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), `errorCode="OUT_OF_RANGE"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSampleEndpoint(t *testing.T) {
	srv, reg, obs, _ := setupTestServer(t)
	avail := reg.DataItemByID("avail1")
	for _, v := range []string{"UNAVAILABLE", "AVAILABLE", "UNAVAILABLE"} {
		obs.Update(avail, "t", store.Scalar(v))
	}

	w := get(t, srv, "/sample?from=2&count=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `sequence="2"`) || !strings.Contains(body, `sequence="3"`) {
		t.Errorf("window missing sequences: %s", body)
	}
	if strings.Contains(body, `sequence="1"`) {
		t.Errorf("window leaked sequence 1: %s", body)
	}
}

func TestSampleOutOfRange(t *testing.T) {
	srv, reg, obs, _ := setupTestServer(t)
	obs.Update(reg.DataItemByID("avail1"), "t", store.Scalar("AVAILABLE"))

	w := get(t, srv, "/sample?from=50")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), `errorCode="OUT_OF_RANGE"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = get(t, srv, "/sample?from=abc")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric from: status = %d", w.Code)
	}
}

func TestAssetsEndpoint(t *testing.T) {
	srv, _, _, assets := setupTestServer(t)
	if _, err := assets.Add("EM233", "CuttingTool", "t", "<CuttingTool/>", "000"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := assets.Add("F1", "Fixture", "t", "<Fixture/>", "000"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	w := get(t, srv, "/assets")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `assetId="EM233"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = get(t, srv, "/assets?type=Fixture")
	body := w.Body.String()
	if strings.Contains(body, "EM233") || !strings.Contains(body, `assetId="F1"`) {
		t.Errorf("typed body = %s", body)
	}
}

func TestUnsupportedPath(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	w := get(t, srv, "/nonsense")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `errorCode="UNSUPPORTED"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
