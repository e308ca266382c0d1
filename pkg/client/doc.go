/*
Package client provides a Go client for sandboxd's admin/control HTTP API.

It wraps bearer-token authentication, JSON encoding, and the structured
{message, status_code} error body (spec §7) behind typed methods mirroring
pkg/api's routes: CreateProject, GetProject, DeleteProject, ListEvents,
CreateACMEAccount, RequestCertificate, Revive. cmd/sandboxctl is its primary
consumer.

Errors from 4xx/5xx responses are returned as *APIError, so callers can
branch on StatusCode without parsing the message.
*/
package client
