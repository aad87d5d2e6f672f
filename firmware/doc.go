/*
Package firmware provides the device side workers of a firmware update and the
package store of the service side.

HTTPFetcher downloads a package from its https URI, SlotApplier writes the image into
the inactive of two slot files and switches the active marker. Both report failures as
*dm.TransportError so that code and message end up in the device twin.

S3Store uploads packages to AWS S3 and hands out presigned https URIs, which are valid
package URIs for the firmwareUpdate method.
*/
package firmware
