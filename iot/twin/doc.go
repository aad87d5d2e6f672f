/*Package twin provides the device twin: a per-device, versioned document of reported properties

A device writes its state into the reported properties, a back end application reads them,
without any direct connection between the two. Writes are JSON merge patches (RFC 7386):
objects are merged recursively, a null value deletes a property, any other value replaces
the previous one. Every successful write increments the document version.

Three stores implement the same Store interface:

	MemoryStore    in-process, for tests and single-instance hubs
	PostgresStore  the hub's persistent store, one row per device in "_twin_"
	RemoteStore    talks to a hub through its REST API

The API provides the following REST routes:

	GET   /devices/{device_id}/twin
	GET   /devices/{device_id}/twin/{key}/report
	PATCH /devices/{device_id}/twin/reported

Example:
  curl ..../devices/thermostat-1/twin
  {
	"device_id": "thermostat-1",
	"reported": {
	  "iothubDM": {
	    "firmwareUpdate": {"status": "downloading", "timestamp": "2020-03-24T16:39:49.581168Z"}
	  }
	},
	"version": 2,
	"reported_at": "2020-03-24T16:39:49.581168Z"
  }

A device which never reported anything has an empty document with version 0. This is
not an error.
*/
package twin
