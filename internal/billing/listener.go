package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// PaymentGateway is the subset of StripeClient the listener needs; split
// out so tests can stub it.
type PaymentGateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Listener places a payment hold when a driver accepts, captures it on
// completion and releases it on cancellation. Billing failures are logged,
// never allowed to block a dispatch transition.
type Listener struct {
	gateway  PaymentGateway
	currency string
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string // emergency id -> payment intent id
}

func NewListener(gateway PaymentGateway, currency string, logger *slog.Logger) *Listener {
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{gateway: gateway, currency: currency, logger: logger, holds: make(map[string]string)}
}

func (l *Listener) EmergencyAccepted(e *models.EmergencyRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := l.gateway.Hold(ctx, amountFor(e.Severity), l.currency, e.PatientID)
	if err != nil {
		l.logger.Error("payment hold failed", "emergency_id", e.ID, "error", err)
		return
	}
	l.mu.Lock()
	l.holds[e.ID] = id
	l.mu.Unlock()
}

func (l *Listener) EmergencyCompleted(e *models.EmergencyRequest) {
	if id, ok := l.take(e.ID); ok {
		if err := l.gateway.Capture(context.Background(), id); err != nil {
			l.logger.Error("payment capture failed", "emergency_id", e.ID, "error", err)
		}
	}
}

func (l *Listener) EmergencyCancelled(e *models.EmergencyRequest) {
	if id, ok := l.take(e.ID); ok {
		if err := l.gateway.Cancel(context.Background(), id); err != nil {
			l.logger.Error("payment release failed", "emergency_id", e.ID, "error", err)
		}
	}
}

func (l *Listener) take(emergencyID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.holds[emergencyID]
	if ok {
		delete(l.holds, emergencyID)
	}
	return id, ok
}

// amountFor is a flat base fee in cents per severity class; the real fare
// settles out of band.
func amountFor(s models.Severity) int64 {
	switch s {
	case models.SeverityCritical:
		return 25000
	case models.SeverityHigh:
		return 20000
	case models.SeverityMedium:
		return 15000
	default:
		return 10000
	}
}
