package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/google/uuid"

	"github.com/relabs-tech/corelink/iot/iotconnect"
)

// Broker is the gateway's MQTT uplink. The gateway publishes formatted
// telemetry envelopes on the telemetry topic; the IoTConnect bridge
// connects as a TLS client and publishes session acknowledgements,
// which are routed to the session manager.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// DeviceID is the gateway's device ID, it scopes all topics.
	// This is mandatory.
	DeviceID uuid.UUID
	// Session receives inbound session acknowledgements. This is
	// mandatory.
	Session *iotconnect.Session
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is mandatory.
	KeyFile string
	// Listen is the TLS listen address. Optional, defaults to ":8883".
	Listen string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln          net.Listener
	bridgeIdsRwmux sync.RWMutex
	bridgeIds      map[net.Conn]uuid.UUID

	// service is nil until the gmqtt server has loaded the plugin
	serviceRwmux sync.RWMutex
	service      gmqtt.Server

	deviceID string
	session  *iotconnect.Session
}

// TelemetryTopic returns the topic the gateway publishes telemetry
// envelopes on.
func TelemetryTopic(deviceID uuid.UUID) string {
	return "corelink/" + deviceID.String() + "/telemetry"
}

// SessionAckTopic returns the topic the bridge publishes session
// acknowledgements on.
func SessionAckTopic(deviceID uuid.UUID) string {
	return "corelink/" + deviceID.String() + "/session/ack"
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {

	if bb.DeviceID == uuid.Nil {
		panic("device ID is missing")
	}

	if bb.Session == nil {
		panic("session is missing")
	}

	if len(bb.CACertFile) == 0 {
		panic("ca-cert file missing")
	}

	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}

	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}

	listen := bb.Listen
	if len(listen) == 0 {
		listen = ":8883"
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, _ := os.ReadFile(bb.CACertFile)
	caCertPool := x509.NewCertPool()
	ok := caCertPool.AppendCertsFromPEM(caCert)
	log.Println("certs OK = ", ok)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	tlsln, err := tls.Listen("tcp", listen, tlsConfig)

	if err != nil {
		panic(err)
	}

	return &Broker{
		p: &plugin{
			tlsln:     tlsln,
			bridgeIds: make(map[net.Conn]uuid.UUID),
			deviceID:  bb.DeviceID.String(),
			session:   bb.Session,
		},
	}
}

// Run is blocking and runs the server until the context is cancelled,
// then shuts it down gracefully.
func (b *Broker) Run(ctx context.Context) {

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	log.Println("uplink broker started")
	<-ctx.Done()
	s.Stop(context.Background())
	log.Println("uplink broker stopped")
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1.
// Messages published before the broker has started are logged and
// dropped, like any other send failure.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.serviceRwmux.RLock()
	service := b.p.service
	b.p.serviceRwmux.RUnlock()
	if service == nil {
		log.Println("uplink broker not started yet, dropping message on", topic)
		return
	}
	log.Printf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	log.Println("load corelink")
	p.serviceRwmux.Lock()
	p.service = service
	p.serviceRwmux.Unlock()
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "corelink uplink" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) bridgeIDFromConnection(conn net.Conn) uuid.UUID {
	p.bridgeIdsRwmux.RLock()
	defer p.bridgeIdsRwmux.RUnlock()
	bridgeID, _ := p.bridgeIds[conn]
	return bridgeID
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		bridgeID := p.bridgeIDFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != bridgeID.String() {
			log.Println("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		log.Println("connect", bridgeID)
		return connect(ctx, client)
	}
}

// OnAcceptWrapper authorizes bridges via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			commonNameAsUUID, err := uuid.Parse(commonName)
			if err != nil {
				log.Println("invalid bridge ID in certificate:", commonName)
				return false
			}

			p.bridgeIdsRwmux.Lock()
			defer p.bridgeIdsRwmux.Unlock()
			p.bridgeIds[conn] = commonNameAsUUID
			log.Println("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnMsgArrivedWrapper routes inbound session acknowledgements to the
// session manager
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		bridgeID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		log.Println("OnMsgArrived", bridgeID, topic)
		if topic == "corelink/"+p.deviceID+"/session/ack" {
			if err := p.session.HandleMessage(msg.Payload()); err != nil {
				log.Println("invalid session acknowledgement:", err)
				return false
			}
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy: bridges may only subscribe
// beneath this gateway's device topic
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !strings.HasPrefix(topic.Name, "corelink/"+p.deviceID+"/") {
			log.Println("OnSubscribe", client.OptionsReader().ClientID(), topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}

}
