// Package discovery finds courage brokers on the local network with
// mDNS/DNS-SD.
//
// Brokers advertise the service type _courage._tcp. The instance name is
// free-form. TXT records:
//
//	pid   provider id (UUID, required)
//	tls   "1" when the broker requires TLS
//	ver   broker protocol version (optional)
//
// A discovered BrokerService converts to a client DSN with DSN.
package discovery
