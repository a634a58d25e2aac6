package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/transport"
)

func newTestServer(t *testing.T, drivers ...models.DriverPresence) (*Server, *auth.Verifier) {
	t.Helper()
	presence := geo.NewIndex(0)
	for _, d := range drivers {
		presence.Upsert(d)
	}
	verifier := auth.NewVerifier("test-secret")
	machine := dispatch.NewStateMachine(dispatch.Config{OfferTimeout: time.Minute},
		storage.NewMemoryStore(), presence, transport.NewRegistry(nil), nil)
	return NewServer(machine, presence, nil, transport.NewRegistry(nil), verifier, nil), verifier
}

func bearer(t *testing.T, v *auth.Verifier, driverID string) string {
	t.Helper()
	tok, err := v.GenerateToken(driverID, "driver", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func driverAt(id string, lat, lng float64) models.DriverPresence {
	return models.DriverPresence{DriverID: id, Status: models.DriverAvailable, Loc: models.Coord{Lat: lat, Lng: lng}, UpdatedAt: time.Now()}
}

func TestCreateRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doJSON(t, s, "POST", "/api/v1/emergencies", "", models.EmergencyRequest{PatientID: "p1"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCreateAndAcceptFlow(t *testing.T) {
	s, v := newTestServer(t, driverAt("d1", 0.001, 0), driverAt("d2", 0.002, 0))
	operator := bearer(t, v, "op-1")

	rr := doJSON(t, s, "POST", "/api/v1/emergencies", operator, models.EmergencyRequest{
		PatientID: "p1",
		Severity:  models.SeverityHigh,
		Location:  models.Coord{Lat: 0, Lng: 0},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	var created models.EmergencyRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != models.EmergencyOffered {
		t.Fatalf("created status = %s", created.Status)
	}

	rr = doJSON(t, s, "POST", "/api/v1/emergencies/"+created.ID+"/accept", bearer(t, v, "d1"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("accept status = %d: %s", rr.Code, rr.Body.String())
	}

	// the loser maps to a conflict
	rr = doJSON(t, s, "POST", "/api/v1/emergencies/"+created.ID+"/accept", bearer(t, v, "d2"), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("loser status = %d, want 409", rr.Code)
	}
}

func TestAcceptExpiredOfferMapsToGone(t *testing.T) {
	s, v := newTestServer(t, driverAt("d1", 0.001, 0))
	operator := bearer(t, v, "op-1")

	rr := doJSON(t, s, "POST", "/api/v1/emergencies", operator, models.EmergencyRequest{
		PatientID: "p1", Location: models.Coord{Lat: 0, Lng: 0},
	})
	var created models.EmergencyRequest
	json.Unmarshal(rr.Body.Bytes(), &created)

	// d2 was never offered this emergency
	rr = doJSON(t, s, "POST", "/api/v1/emergencies/"+created.ID+"/accept", bearer(t, v, "d2"), nil)
	if rr.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rr.Code)
	}
}

func TestGetUnknownEmergency(t *testing.T) {
	s, v := newTestServer(t)
	rr := doJSON(t, s, "GET", "/api/v1/emergencies/ghost", bearer(t, v, "d1"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rr := doJSON(t, s, "GET", "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}
