package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/corelink/core/csql"
	"github.com/relabs-tech/corelink/core/registry"
	"github.com/relabs-tech/corelink/iot/iotconnect"
)

// writeTestCert writes a self-signed certificate and its key to dir and
// returns their file paths. The certificate also serves as its own CA.
func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: uuid.New().String()},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0600))
	return certFile, keyFile
}

func newTestBroker(t *testing.T) (*Broker, uuid.UUID) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	db := csql.MustOpen(filepath.Join(dir, "mqtt.db"))
	t.Cleanup(func() { db.Close() })
	session := iotconnect.NewSession(&iotconnect.SessionBuilder{
		Registry: registry.New(db),
	})

	deviceID := uuid.New()
	broker := NewBroker(&Builder{
		DeviceID:   deviceID,
		Session:    session,
		CACertFile: certFile,
		CertFile:   certFile,
		KeyFile:    keyFile,
		Listen:     "127.0.0.1:0",
	})
	t.Cleanup(func() { broker.p.tlsln.Close() })
	return broker, deviceID
}

func TestBrokerPublishBeforeRun(t *testing.T) {
	broker, deviceID := newTestBroker(t)

	// the gateway sends its first hello right at startup, possibly
	// before the broker goroutine has loaded the plugin. The message
	// is dropped, not a crash; the hello is re-sent anyway.
	require.NotPanics(t, func() {
		broker.PublishMessageQ1(TelemetryTopic(deviceID), []byte(`{"t":"x","mt":200,"sid":""}`))
	})
}

func TestBrokerTopics(t *testing.T) {
	deviceID := uuid.MustParse("0e9fb88f-11a6-46b5-92c5-9f7ba4835a8c")
	require.Equal(t, "corelink/0e9fb88f-11a6-46b5-92c5-9f7ba4835a8c/telemetry", TelemetryTopic(deviceID))
	require.Equal(t, "corelink/0e9fb88f-11a6-46b5-92c5-9f7ba4835a8c/session/ack", SessionAckTopic(deviceID))
}
