// The gateway service bridges the real-time sensor applications to
// IoTConnect. It dispatches commands over the inter-core sockets, wraps
// telemetry into the IoTConnect envelope and runs the uplink MQTT
// broker and the admin REST API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/corelink/core/csql"
	"github.com/relabs-tech/corelink/core/logger"
	"github.com/relabs-tech/corelink/core/registry"
	"github.com/relabs-tech/corelink/gateway"
	"github.com/relabs-tech/corelink/iot/intercore"
	"github.com/relabs-tech/corelink/iot/iotconnect"
	"github.com/relabs-tech/corelink/iot/kafka"
	"github.com/relabs-tech/corelink/iot/locate"
	"github.com/relabs-tech/corelink/iot/mqtt"
	"github.com/relabs-tech/corelink/iot/sensors"
)

// component IDs of the real-time sensor applications
var (
	lightSensorComponentID = uuid.MustParse("b2cec904-1c60-411b-8f62-5ffe9684b8ce")
	groveGPSComponentID    = uuid.MustParse("592b46b7-5552-4c58-9163-9185f46b96aa")
)

// Service holds the configuration for this service
type Service struct {
	DeviceID          string `env:"CORELINK_DEVICE_ID,required" description:"the gateway's device ID"`
	Database          string `env:"CORELINK_DB,default=corelink.db" description:"path of the embedded database"`
	SocketDir         string `env:"CORELINK_SOCKET_DIR,default=/run/corelink" description:"directory with the real-time application sockets"`
	CACertFile        string `env:"CORELINK_CA_CERT,default=ca.crt" description:"the X.509 certificate of the certificate authority"`
	CertFile          string `env:"CORELINK_CERT,default=server.crt" description:"the broker's X.509 certificate"`
	KeyFile           string `env:"CORELINK_KEY,default=server.key" description:"the broker's X.509 private key"`
	MQTTListen        string `env:"CORELINK_MQTT_LISTEN,default=:8883" description:"TLS listen address of the uplink broker"`
	APIListen         string `env:"CORELINK_API_LISTEN,default=:3000" description:"listen address of the admin REST API"`
	APISecret         string `env:"CORELINK_API_SECRET,default=" description:"shared secret for admin API bearer tokens"`
	KafkaBrokers      string `env:"CORELINK_KAFKA_BROKERS,default=" description:"comma separated Kafka brokers for the telemetry archive"`
	KafkaTopic        string `env:"CORELINK_KAFKA_TOPIC,default=corelink-telemetry" description:"topic of the telemetry archive"`
	TelemetryInterval int    `env:"CORELINK_TELEMETRY_INTERVAL,default=60" description:"telemetry request period in seconds, 0 disables"`
	LocateURL         string `env:"CORELINK_LOCATE_URL,default=http://ip-api.com/json" description:"IP geolocation service for the GPS fallback"`
	LogLevel          string `env:"CORELINK_LOG_LEVEL,default=info" description:"log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	deviceID, err := uuid.Parse(service.DeviceID)
	if err != nil {
		panic(err)
	}

	db := csql.MustOpen(service.Database)
	defer db.Close()

	session := iotconnect.NewSession(&iotconnect.SessionBuilder{
		Registry: registry.New(db),
	})

	broker := mqtt.NewBroker(&mqtt.Builder{
		DeviceID:   deviceID,
		Session:    session,
		CACertFile: service.CACertFile,
		CertFile:   service.CertFile,
		KeyFile:    service.KeyFile,
		Listen:     service.MQTTListen,
	})

	var archiver gateway.Archiver
	if len(service.KafkaBrokers) > 0 {
		kafkaArchiver := kafka.NewArchiver(&kafka.Builder{
			Brokers:  strings.Split(service.KafkaBrokers, ","),
			Topic:    service.KafkaTopic,
			DeviceID: deviceID,
		})
		defer kafkaArchiver.Close()
		archiver = kafkaArchiver
	}

	// the dispatch table of the real-time applications. The GPS
	// handler reports position changes as telemetry; the gateway is
	// assigned below, before anything runs.
	var gw *gateway.Gateway
	lightSensor := &sensors.ALSPT19{}
	groveGPS := sensors.NewGroveGPS(
		locate.New(service.LocateURL),
		func(doc []byte) { gw.Telemetry(doc) },
	)
	apps := []*intercore.App{
		{
			Name:             "AvnetLightSensor",
			ComponentID:      lightSensorComponentID,
			InterfaceVersion: intercore.V0,
			RawHandler:       lightSensor.Handle,
		},
		{
			Name:             "AvnetGroveGPS",
			ComponentID:      groveGPSComponentID,
			InterfaceVersion: intercore.V0,
			RawHandler:       groveGPS.Handle,
		},
	}

	gw = gateway.NewGateway(&gateway.Builder{
		DeviceID:          deviceID,
		Session:           session,
		Formatter:         iotconnect.NewFormatter(session, 0),
		Publisher:         broker,
		Archiver:          archiver,
		Apps:              apps,
		SocketDir:         service.SocketDir,
		TelemetryInterval: time.Duration(service.TelemetryInterval) * time.Second,
	})

	if err := gw.Connect(); err != nil {
		log.Fatalln("cannot connect to the real-time applications:", err)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	gateway.MustNewService().
		WithDispatcher(gw.Dispatcher()).
		WithSession(session).
		WithSecret(service.APISecret).
		Create(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("listen on port", service.APIListen)
	go http.ListenAndServe(service.APIListen,
		handlers.CORS()(handlers.CombinedLoggingHandler(os.Stdout, router)))

	go broker.Run(ctx)

	gw.Run(ctx)
}
