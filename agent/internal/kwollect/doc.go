// Package kwollect is the HTTP client for the Grid'5000 Kwollect metrics API.
//
// Client.Fetch issues one authenticated GET for a site/node/metric filter and
// a time window and returns the raw JSON records. It is a pure I/O boundary:
// no retries, no parsing beyond splitting the JSON array. Failures are typed
// (*AuthError, *TransientError, *DecodeError, each wrapping *TransportError
// when the API answered with an error status) so callers can pick a policy.
//
// CheckCertificate reports the TLS certificate validity of the API endpoint.
package kwollect
