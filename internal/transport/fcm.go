package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// FCMNotifier posts JSON to an FCM HTTPv1 endpoint using a server key.
// It backs up the push channel for drivers without a live socket.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Notify(driverID string, env models.Envelope) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": driverID,
		"data":  env,
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PushNotifier tries the live socket first and falls back to FCM so a
// briefly disconnected driver still gets a nudge to refetch.
type PushNotifier struct {
	WS  *Registry
	FCM *FCMNotifier
}

func (p *PushNotifier) Notify(driverID string, env models.Envelope) error {
	err := p.WS.Notify(driverID, env)
	if err == nil || p.FCM == nil {
		return err
	}
	return p.FCM.Notify(driverID, env)
}

func (p *PushNotifier) Broadcast(driverIDs []string, env models.Envelope) {
	for _, id := range driverIDs {
		_ = p.Notify(id, env)
	}
}
