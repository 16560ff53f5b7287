/*Package iot provides the gateway's IoT functionality

It contains the inter-core command protocol spoken with the real-time
sensor cores, the raw-data parsers for the supported sensor applications,
the IoTConnect session and envelope logic, and the MQTT uplink broker.

The telemetry pipeline only needs a message publisher interface to hand
formatted envelopes to the uplink. The broker does satisfy this interface,
hence broker and gateway work together well.
*/
package iot
