/*Package credentials implements connection strings and shared access signatures for the hub

Devices and services connect to the hub with a connection string. A device connection
string looks like

	HostName=hub.example.com;DeviceId=thermostat-7;SharedAccessKey=<base64 key>

and a service connection string like

	HostName=hub.example.com;SharedAccessKeyName=service;SharedAccessKey=<base64 key>

The hub only knows its own shared access key. A device key is derived from it with

	DeriveDeviceKey(hubKey, deviceID)

so device keys can be handed out without storing them anywhere.

Requests to the hub carry a shared access signature in the Authorization header:

	SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>[&skn=<key name>]

The signature is a base64 encoded HMAC-SHA256 over the url-escaped resource and the expiry
in unix seconds, separated by a newline. Device tokens are signed with the device key for
the resource {hostname}/devices/{device_id}. Service tokens are signed with the hub key and
carry the key name.

The Middleware verifies tokens and adds an Identity to the request context. A device
identity is only allowed on routes that belong to the same device, i.e. routes with a
{device_id} variable matching the device's ID.
*/
package credentials
