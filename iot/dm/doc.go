/*Package dm implements device management patterns on top of the device twin

A pattern is a multi-phase operation on the device, for example a firmware update, whose
progress the device reports into its twin. Every pattern owns one capability below the
namespace "iothubDM" of the reported properties:

	{
	  "iothubDM": {
	    "firmwareUpdate": {
	      "status": "downloading",
	      "timestamp": "2026-10-19T08:15:02.123Z",
	      "error": null,
	      "fwPackageUri": null
	    },
	    "reboot": {
	      "lastReboot": "2026-10-18T22:00:00Z"
	    }
	  }
	}

Firmware Update

The device side is the Orchestrator. It runs the phases

	waiting → downloading → downloadComplete → applying → applyComplete

or stops at downloadFailed or applyFailed. Each phase is reported before its work starts, and the
outcome is reported after the work is done. A failed report is logged and returned in the Result,
it never stops a run whose work succeeded. Failed work is reported and ends the run, there is
no retry and no rollback.

The run is started by the direct method "firmwareUpdate" with the payload

	{"fwPackageUri": "https://..."}

FirmwareUpdateMethod answers 400 for anything but an https URI, 409 while another run is in
progress, and 200 "Firmware update started." otherwise.

Only one run per device and capability holds the Lease at any time. Leases expire, so a crashed
run does not block the device forever.

Reboot

RebootMethod answers 200 "Reboot started", reports lastReboot and then calls the Rebooter.

Monitoring

The service side watches a capability with a Monitor. It polls the twin at a fixed interval
and passes the capability's value to a callback. A capability which has not been reported yet
is skipped. Polling stops when the Watch is stopped or its context is cancelled.
*/
package dm
