package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/models"
)

// RESTAuthority is the request/response fallback path to the dispatch
// authority. It carries the bearer credential on every call and maps HTTP
// statuses back onto the dispatch error taxonomy so callers can use
// errors.Is regardless of the transport.
type RESTAuthority struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewRESTAuthority(baseURL, token string) *RESTAuthority {
	return &RESTAuthority{BaseURL: baseURL, Token: token, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (r *RESTAuthority) Accept(ctx context.Context, emergencyID, driverID string) (*models.EmergencyRequest, error) {
	var e models.EmergencyRequest
	err := r.do(ctx, http.MethodPost, "/api/v1/emergencies/"+emergencyID+"/accept",
		map[string]string{"driver_id": driverID}, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RESTAuthority) Reject(ctx context.Context, emergencyID, driverID, reason string) error {
	return r.do(ctx, http.MethodPost, "/api/v1/emergencies/"+emergencyID+"/reject",
		map[string]string{"driver_id": driverID, "reason": reason}, nil)
}

func (r *RESTAuthority) UpdateStatus(ctx context.Context, emergencyID, driverID string, status models.EmergencyStatus) (*models.EmergencyRequest, error) {
	var e models.EmergencyRequest
	err := r.do(ctx, http.MethodPost, "/api/v1/emergencies/"+emergencyID+"/status",
		map[string]string{"driver_id": driverID, "status": string(status)}, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RESTAuthority) MarkPickup(ctx context.Context, emergencyID, driverID string, loc models.Coord) (*models.EmergencyRequest, error) {
	var e models.EmergencyRequest
	err := r.do(ctx, http.MethodPost, "/api/v1/emergencies/"+emergencyID+"/pickup",
		map[string]any{"driver_id": driverID, "location": loc}, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RESTAuthority) MarkHospitalArrival(ctx context.Context, emergencyID, driverID, hospitalID string, loc models.Coord) (*models.EmergencyRequest, error) {
	var e models.EmergencyRequest
	err := r.do(ctx, http.MethodPost, "/api/v1/emergencies/"+emergencyID+"/arrival",
		map[string]any{"driver_id": driverID, "hospital_id": hospitalID, "location": loc}, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RESTAuthority) Get(ctx context.Context, emergencyID string) (*models.EmergencyRequest, error) {
	var e models.EmergencyRequest
	if err := r.do(ctx, http.MethodGet, "/api/v1/emergencies/"+emergencyID, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *RESTAuthority) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusUnauthorized:
		return auth.ErrUnauthorized
	case http.StatusNotFound:
		return dispatch.ErrNotFound
	case http.StatusConflict:
		return dispatch.ErrAlreadyAssigned
	case http.StatusGone:
		return dispatch.ErrOfferExpired
	default:
		return fmt.Errorf("authority returned %s", resp.Status)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
