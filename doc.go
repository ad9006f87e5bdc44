// Package fidget provides an intercepting HTTP/HTTPS proxy engine. It
// accepts client connections on one or more endpoints, optionally
// decrypts TLS with certificates minted on the fly by a local root
// authority, and lets callers inspect and rewrite every request and
// response through event hooks before the exchange completes.
//
// # Basic Proxy
//
// Create a certificate manager, add an endpoint and start the engine:
//
//	cm := fidget.NewCertManager("fidget-ca.crt", "fidget-ca.key")
//	cm.SaveRootCertificate = true
//
//	s := fidget.NewProxyServer(cm)
//	if err := s.AddEndpoint(fidget.NewExplicitEndpoint("0.0.0.0", 8080, true)); err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Start(false); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
//
// Start(true) also points the operating system's proxy settings at the
// first explicit endpoint; Stop puts the previous settings back.
//
// # Endpoints
//
// Three endpoint modes are supported:
//
//   - Explicit endpoints receive absolute-URI requests and CONNECT
//     tunnels from clients configured to use a proxy.
//   - Transparent endpoints receive redirected traffic; TLS destinations
//     come from the ClientHello server name.
//   - Reverse endpoints forward everything to a fixed target origin.
//
// Endpoints can be added and removed while the engine runs.
//
// # Event Hooks
//
// Handlers run in registration order and see a [Session] describing the
// exchange:
//
//	s.OnBeforeRequest(func(ctx context.Context, sess *fidget.Session) error {
//	    if sess.Request.Host() == "blocked.example.com" {
//	        sess.GenericResponse(http.StatusForbidden, []byte("blocked"))
//	    }
//	    return nil
//	})
//
//	s.OnBeforeResponse(func(ctx context.Context, sess *fidget.Session) error {
//	    body, err := sess.ResponseBodyString()
//	    if err != nil {
//	        return err
//	    }
//	    return sess.SetResponseBodyString(strings.ReplaceAll(body, "foo", "bar"))
//	})
//
// Setting a response from BeforeRequest short-circuits the exchange and
// the origin is never contacted. A handler error or panic fails only its
// own session. The returned [Subscription] removes the handler again.
//
// OnBeforeSslAuthenticate decides per CONNECT whether a tunnel is
// decrypted, and OnClientCertificateSelection supplies client
// certificates when an origin asks for one.
//
// # Certificates
//
// [CertManager] loads or creates the root and caches one leaf per host.
// Concurrent handshakes for the same host share a single generation.
// RSA and ECDSA engines are available:
//
//	cm.Engine = fidget.ECDSAEngine{}
//
// Idle leaves are swept periodically when CertificateSweepInterval is set
// on the server. TrustRootCertificate installs the root into the system
// trust store.
//
// Reverse and transparent endpoints can serve publicly trusted
// certificates from ACME instead of minted leaves:
//
//	src, err := fidget.NewACMECertificateSource(fidget.ACMEConfig{
//	    Email:     "admin@example.com",
//	    Domains:   []string{"proxy.example.com"},
//	    AcceptTOS: true,
//	})
//	ep.CertificateSource = src
//
// # Protocol Behaviour
//
// With Enable100ContinueBehaviour set, Expect: 100-continue is negotiated
// with the origin before the client sends its body, so a rejection reaches
// the client without the body ever being transmitted. With EnableWinAuth
// set, NTLM challenges from the origin are answered on the client's
// behalf.
//
// WebSocket upgrades are relayed after the handshake passes through the
// request hooks.
//
// # Upstream Proxies
//
// Traffic can be chained through an HTTP, HTTPS or SOCKS5 parent:
//
//	up, err := fidget.NewUpstreamProxy("socks5://127.0.0.1:1080")
//	s.UpstreamProxy = up
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (FIDGET_ prefix) and build a server from it:
//
//	cfg, err := fidget.LoadConfig("fidget.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := fidget.BuildServer(cfg)
//
// # Observability
//
// [Metrics] exposes Prometheus collectors, [AccessLogger] writes one
// structured record per exchange and [HealthChecker] serves liveness and
// readiness probes. [AdminAPI] bundles them with status, certificate and
// system proxy routes:
//
//	api := fidget.NewAdminAPI(s)
//	http.Handle("/api/", api.Handler())
package fidget
