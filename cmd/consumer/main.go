package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_messages_stale_total",
		Help: "Total location samples discarded as too old",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_updates_total",
		Help: "Total successful presence index updates",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_errors_total",
		Help: "Total presence index update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, presenceUpdates, presenceErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := splitEnvList("KAFKA_BROKERS", "localhost:9092")
	topic := getenv("KAFKA_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "ambulance-dispatch-consumer")
	geoKey := getenv("REDIS_GEO_KEY", "drivers_geo")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")

	maxSampleAge := 2 * time.Minute
	if v := os.Getenv("MAX_SAMPLE_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			maxSampleAge = d
		}
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	updater := &redisPresence{c: rc, geoKey: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("location consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var u models.LocationUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}
		if stale(u, maxSampleAge, time.Now()) {
			// A stale fix is worse than none for candidate ranking; wait
			// for the next sample instead of applying it.
			msgsStale.Inc()
			continue
		}

		if err := updatePresenceWithRetry(ctx, updater, u, 3, 200*time.Millisecond); err != nil {
			presenceErrors.Inc()
			log.Printf("presence update failed for driver=%s: %v", u.DriverID, err)
			continue
		}
		presenceUpdates.Inc()
	}
}

// stale reports whether a sample is older than maxAge. Samples without a
// timestamp are trusted as current.
func stale(u models.LocationUpdate, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || u.Timestamp.IsZero() {
		return false
	}
	return now.Sub(u.Timestamp) > maxAge
}

// PresenceUpdater is the subset of presence operations the consumer needs;
// an interface so tests can run without Redis.
type PresenceUpdater interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error
}

type redisPresence struct {
	c      *redis.Client
	geoKey string
}

func (r *redisPresence) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, r.geoKey, loc).Result()
	return err
}

func (r *redisPresence) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, "driver:meta:"+driverID, values).Result()
	return err
}

// updatePresenceWithRetry folds one location sample into the presence index
// with bounded retry and exponential backoff.
func updatePresenceWithRetry(ctx context.Context, pu PresenceUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	for i := 0; i < attempts; i++ {
		if err := pu.GeoAdd(ctx, &redis.GeoLocation{Longitude: u.Lng, Latitude: u.Lat, Name: u.DriverID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := pu.SetMeta(ctx, u.DriverID, map[string]interface{}{"updated": ts.Format(time.RFC3339Nano)}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitEnvList(key, def string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	out := []string{}
	for _, b := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}
