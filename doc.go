/*
Package sandboxproxy provides a Caddy HTTP handler (`sandbox_proxy`) that
fronts a single on-demand compute sandbox: an HTTP backend that is started
on the first request, kept warm while requests are in flight, and stopped
after an idle period.

Every response leaving the handler, including the synthetic preflight and
error responses, passes through an origin allow-list gate that attaches
cross-origin headers for permitted origins.
*/
package sandboxproxy
