/*Package mqtt provides the IoT broker with device twin and direct method support

A device connects with its device ID as MQTT client ID. It authenticates either with a
TLS client certificate whose common name is the device ID, or with a shared access
signature as password (see package credentials).

For working with the device twin and direct methods, the broker supports the following
MQTT topics:

	kurbisio/{device_id}/twin/reports
	kurbisio/{device_id}/methods/{method}/{rid}
	kurbisio/{device_id}/methods/res/{rid}

Twin Reports

A device publishes a JSON object to /twin/reports. The object is merged into the device's
reported properties like a PATCH on the REST API: objects are merged, null deletes a
property, everything else replaces it.

Direct Methods

A device subscribes to

	kurbisio/{device_id}/methods/#

and receives every call as a message on /methods/{method}/{rid}, with the call's payload as
message payload. The device answers by publishing

	{"status": 200, "payload": ...}

to /methods/res/{rid}. Devices without a subscription receive their calls by long-polling
the REST API instead.

Devices may not subscribe to anything else, and may not publish below another device's
topic.
*/
package mqtt
