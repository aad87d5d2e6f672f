// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides core IoT functionality for device management

It contains a device twin (package twin), a relay for direct methods (package methods),
device and service authentication with shared access signatures (package credentials),
and a MQTT broker (package mqtt) which ingests twin reports and delivers direct methods.

The RESTful apis can be used with different MQTT brokers. They only need a message
publisher interface to publish method calls to the device. The broker does satisfy this
interface, hence broker and api work together well.

Package hub ties it all together for the client side: a device session reports properties
and listens for methods, a service session invokes methods and reads the twin.

The device management patterns themselves, firmware update and reboot, are in package dm.
*/
package iot
