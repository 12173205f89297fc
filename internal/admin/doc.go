/*
Package admin serves the operational HTTP API of the cache engine.

Routes:

	GET    /health
	GET    /metrics                              when a metrics handler is mounted
	GET    /api/cache/stats
	GET    /api/cache/stores/:name
	POST   /api/cache/cleanup
	DELETE /api/cache                            admin role
	DELETE /api/cache/stores/:name               admin role
	DELETE /api/cache/entities/:kind/:id?related=<id>
	POST   /api/usage/:user/views                {"feature", "path", "tenant"}
	POST   /api/usage/:user/actions              {"feature", "action", "path", "tenant"}
	GET    /api/usage/:user/priorities?limit=n
	GET    /api/usage/:user/weights
	DELETE /api/usage/:user                      admin role

When a JWT secret is configured every /api route needs an HS256 bearer token
issued by IssueToken. Role checks are skipped when authentication is off.

Engine errors are answered with the status from errors.GetDefaultHTTPStatus and
a body of {"error": ..., "code": ...}.
*/
package admin
