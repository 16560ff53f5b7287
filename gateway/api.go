package gateway

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/corelink/iot/intercore"
	"github.com/relabs-tech/corelink/iot/iotconnect"
)

// Service is a REST interface for the gateway admin API
type Service struct {
	dispatcher *intercore.Dispatcher
	session    *iotconnect.Session
	secret     []byte
}

// MustNewService returns a new API service
func MustNewService() *Service {
	return &Service{}
}

// WithDispatcher adds the inter-core dispatcher
func (s *Service) WithDispatcher(dispatcher *intercore.Dispatcher) *Service {
	s.dispatcher = dispatcher
	return s
}

// WithSession adds the IoTConnect session
func (s *Service) WithSession(session *iotconnect.Session) *Service {
	s.session = session
	return s
}

// WithSecret sets the shared secret for bearer token authorization.
// Without a secret the API is open.
func (s *Service) WithSecret(secret string) *Service {
	s.secret = []byte(secret)
	return s
}

// Create adds routes to the passed router
func (s *Service) Create(router *mux.Router) *Service {
	if s.dispatcher == nil {
		panic("dispatcher is missing")
	}
	if s.session == nil {
		panic("session is missing")
	}
	s.handleRoutes(router)
	return s
}

// authorized wraps a handler with bearer token authorization. Tokens
// are JWT, HMAC signed with the shared secret.
func (s *Service) authorized(handler http.HandlerFunc) http.HandlerFunc {
	if len(s.secret) == 0 {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}

type appStatus struct {
	Name             string    `json:"name"`
	ComponentID      uuid.UUID `json:"component_id"`
	InterfaceVersion int       `json:"interface_version"`
	Connected        bool      `json:"connected"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

type sessionStatus struct {
	Connected  bool   `json:"connected"`
	SID        string `json:"sid"`
	DTG        string `json:"dtg"`
	DeviceGUID string `json:"device_guid"`
}

type sampleRate struct {
	Seconds uint32 `json:"seconds"`
}

// handleRoutes adds handlers for the admin API routes
func (s *Service) handleRoutes(router *mux.Router) {
	log.Println("gateway: handle route /apps GET")
	log.Println("gateway: handle route /apps/read POST")
	log.Println("gateway: handle route /apps/telemetry POST")
	log.Println("gateway: handle route /apps/sample_rate PUT")
	log.Println("gateway: handle route /session GET")
	log.Println("gateway: handle route /metrics GET")

	router.HandleFunc("/apps", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		response := []appStatus{}
		for _, app := range s.dispatcher.Apps() {
			response = append(response, appStatus{
				Name:             app.Name,
				ComponentID:      app.ComponentID,
				InterfaceVersion: int(app.InterfaceVersion),
				Connected:        app.Connected(),
				LastHeartbeat:    app.LastHeartbeat(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(response)
	})).Methods(http.MethodGet)

	router.HandleFunc("/apps/read", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		s.dispatcher.RequestRawData()
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodPost)

	router.HandleFunc("/apps/telemetry", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		s.dispatcher.RequestTelemetry()
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodPost)

	router.HandleFunc("/apps/sample_rate", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		var rate sampleRate
		if err := json.NewDecoder(r.Body).Decode(&rate); err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		// zero disables automatic telemetry
		s.dispatcher.SetSampleRate(rate.Seconds)
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodPut)

	router.HandleFunc("/session", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(sessionStatus{
			Connected:  s.session.Connected(),
			SID:        s.session.SID(),
			DTG:        s.session.DTG(),
			DeviceGUID: s.session.DeviceGUID(),
		})
	})).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
