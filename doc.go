// Package ingestd exposes the Go APIs behind the single-binary HTTP ingestion
// service that holds every received payload until the submitter acknowledges
// it. The server is designed to run cleanly as PID 1, but the package also
// makes it easy to embed the listener in an existing process or spin it up
// inside tests.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on `Config.Listen` (default `:9385`) and serves the
// content listener under the single path segment `Config.BasePath` (default
// `contentListener`). Mutual TLS switches on automatically when the bundle
// embeds CA material.
//
//	cfg := ingestd.Config{
//	    Deliver:    "dir:///var/spool/ingestd",
//	    Listen:     ":9385",
//	    BundlePath: "/etc/ingestd/server.pem",
//	}
//	srv, err := ingestd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("ingestd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("ingestd shutdown: %v", err)
//	    }
//	}()
//
// # Submission workflow
//
// A `POST /contentListener` stages the request body against the delivery
// backend and answers with `Config.ReturnCode` (default 200). The response
// carries a JSON `api.SubmitResponse` envelope plus a `Location` header
// pointing at the acknowledgment URI; the `X-Location-Intent: hold` header
// qualifies it so generic clients do not mistake the response for a redirect.
//
//	POST /contentListener HTTP/1.1
//	Content-Type: application/octet-stream
//
//	HTTP/1.1 200 OK
//	Location: /contentListener/0195c6e1-74b0-7c1a-b0f2-3f1a9c2d4e5f
//	X-Location-Intent: hold
//
//	{"id":"0195c6e1-...","location":"/contentListener/0195c6e1-...","handles":1,"entry_time_unix_milli":1742227200000}
//
// `DELETE` on the acknowledgment URI commits the held payload downstream and
// releases the hold. The first DELETE wins; repeats answer 404. Holds that
// are never acknowledged are rolled back by the background sweeper once
// `Config.MaxUnconfirmedTime` (default 60 s) elapses, so a payload reaches
// the delivery target exactly when its submitter confirmed it.
//
// `multipart/form-data` submissions stage every file part under a single
// hold, and the whole set commits or rolls back together. Raw multipart
// bodies are capped at `Config.MultipartMaxSize`; staged payloads larger
// than `Config.SpoolThreshold` spill from memory to disk.
//
// # Client certificates
//
// `Config.ClientAuth` selects the certificate policy for the primary
// listener:
//
//   - `auto`: require client certificates when the bundle embeds CA material (default)
//   - `none`: never request a certificate
//   - `want`: request one but still admit bare clients
//   - `required`: reject clients without a valid certificate
//
// Authenticated submissions are additionally filtered by
// `Config.SubjectDNPattern` and `Config.IssuerDNPattern`, regular
// expressions matched against the distinguished-name strings of the
// presented leaf certificate. `ingestd auth new client` prints the exact
// subject DN the patterns will see. A separate `Config.HealthListen`
// address serves the healthcheck without ever requesting a client
// certificate.
//
// # Delivery targets
//
// Configure the delivery backend via `Config.Deliver`:
//
//   - `mem://`: in-memory (tests and local experimentation)
//   - `dir:///var/spool/ingestd`: local spool directory
//   - `s3://host:port/bucket`: MinIO or other S3-compatible stores (TLS on unless `?insecure=1`)
//   - `aws://region/bucket/prefix`: AWS S3 using the standard credential chain
//   - `azure://account/container`: Azure Blob Storage (shared key or SAS auth)
//
// Staged payloads stay invisible to downstream consumers until the commit:
// object-store sinks upload on acknowledgment, the dir sink promotes the
// spooled file into place, and rollbacks never leave partials behind.
//
// # Embedding and tests
//
// `StartServer` launches a server in a goroutine, waits for readiness, and
// returns a stop function:
//
//	srv, stop, err := ingestd.StartServer(ctx, ingestd.Config{Deliver: "mem://"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Tests use the `TestServer` wrapper, which picks an ephemeral port and
// registers teardown via `t.Cleanup`:
//
//	ts := ingestd.StartTestServer(t, ingestd.WithTestDeliver("mem://"))
//	resp, err := http.Post(ts.ContentURL(), "text/plain", strings.NewReader("payload"))
//
// Throttling (`Config.MaxBytesPerSecond`), concurrency bounds
// (`Config.MaxConcurrency`), OpenTelemetry trace export
// (`Config.OTLPEndpoint`), and the Prometheus listener
// (`Config.MetricsListen`) are optional and off by default.
package ingestd
