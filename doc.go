// Package tenantd exposes the Go APIs behind a single-binary multi-tenant
// router. Every request carries a tenant key; tenantd maps the key to exactly
// one compute instance, wakes that instance when it is cold, forwards the
// request, and puts the instance back to sleep once it has been idle long
// enough. The server is designed to run cleanly as PID 1, but the package also
// makes it easy to embed the router inside an existing process.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. `Config.Compute` names the binding that
// runs tenant instances:
//
//	cfg := tenantd.Config{
//	    Store:   "disk:///var/lib/tenantd",
//	    Compute: "process:///srv/app/bin/server?health=/healthz&watch=1",
//	    Listen:  ":8080",
//	}
//	srv, err := tenantd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("tenantd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Addressing tenants
//
// A tenant key must match `^[A-Za-z0-9_-]+$`. It may be supplied three ways,
// checked in this order:
//
//   - path: `/app/{key}/rest/of/path` (prefix set by `Config.PathPrefix`)
//   - query: `/rest/of/path?appId={key}` (parameter set by `Config.QueryParam`)
//   - subdomain: `{key}.apps.example.com` when `Config.SubdomainBase` is set
//
// The instance sees the request with the routing element removed. Requests to
// `/{key}/_status`, `/{key}/_restart` and `/{key}/_metadata` are handled by
// tenantd itself and never reach the instance.
//
// # Compute bindings
//
//   - `process:///path/to/bin` – one local child process per tenant; the
//     listen port arrives in `PORT`, the key in `TENANT_KEY`
//   - `remote://host[:port]/prefix` – an external control plane that starts and
//     stops instances over HTTP (`?tls=1` for HTTPS)
//
// With `?watch=1` the process binding watches the executable and puts every
// running instance to sleep when a new build lands, so the next request
// starts the new version.
//
// # Record stores
//
// Each instance owns one JSON record holding start counts, timestamps, the last
// error and free-form metadata. Configure where records live via `Config.Store`:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `disk:///var/lib/tenantd` – one file per instance
//   - `s3://host:port/bucket/prefix` – MinIO or other S3-compatible stores
//   - `aws://bucket/prefix?region=` – AWS S3 using the standard credential chain
//   - `azure://account/container/prefix` – Azure Blob Storage
//
// # Client SDK
//
// The Go client (`pkt.systems/tenantd/client`) wraps the management routes.
// The base URL decides the transport: `http://`, `https://` or
// `unix:///path/to/tenantd.sock`.
//
//	cli, err := client.New("http://127.0.0.1:8080")
//	if err != nil { log.Fatal(err) }
//	status, err := cli.Status(ctx, "acme")
//
// # Embedding and helpers
//
// `StartServer` launches a server in a goroutine, waits for readiness, and
// returns a stop function. `Server.Handler` returns the router for mounting
// inside another mux. `NewTestServer` and `StartTestServer` run an in-memory
// router backed by scripted instances for tests.
package tenantd
