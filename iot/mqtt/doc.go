/*Package mqtt provides the gateway's uplink MQTT broker

The broker authorizes the IoTConnect bridge with TLS client
certificates. The certificate common name is the bridge's client ID.
*/
package mqtt
